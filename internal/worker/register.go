package worker

import (
	"prime-checker/internal/config"
	"prime-checker/internal/models"
	"prime-checker/internal/notify"
)

// RegisterCheckHandlers binds the prime check and result mail handlers to p.
// A nil sender leaves email tasks unhandled; they are dead-lettered.
func RegisterCheckHandlers(p *Processor, cfg config.Config, st CheckStore, sender notify.Sender) {
	prime := NewPrimeHandler(cfg, st, NewProbablyPrime(cfg.PrimeMaxDigits))
	p.RegisterHandler(models.KindPrimeCheck, prime.Handle)
	p.OnDeadLetter(models.KindPrimeCheck, prime.DeadLetter)
	if sender != nil {
		p.RegisterHandler(models.KindEmailSend, NewEmailHandler(sender).Handle)
	}
}
