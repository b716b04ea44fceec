package console

import (
	"strings"
	"sync"
)

// Shared carries the values every view needs: the authenticated wallet
// and the job the user selected.
type Shared struct {
	wallet string

	mu       sync.RWMutex
	selected string
}

// NewShared returns a context for wallet.
func NewShared(wallet string) *Shared {
	return &Shared{wallet: strings.TrimSpace(wallet)}
}

// Wallet returns the wallet address.
func (s *Shared) Wallet() string {
	if s == nil {
		return ""
	}
	return s.wallet
}

// SelectJob records jobID as the selected job.
func (s *Shared) SelectJob(jobID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.selected = jobID
	s.mu.Unlock()
}

// SelectedJob returns the selected job, or "".
func (s *Shared) SelectedJob() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}
