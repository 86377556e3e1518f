package memory

import (
	"testing"

	"prime-checker/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Repository {
		return New()
	})
}
