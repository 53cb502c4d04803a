package replica

import (
	"fmt"
	"sync"

	"ordersync/internal/model"
)

// Accounts is the account replica: a Store keyed by id plus an email index.
// It satisfies Store[int64, model.Account] so a consumer can drive it directly.
type Accounts struct {
	mu      sync.Mutex // serializes writers so byID and byEmail move together
	byID    Store[int64, model.Account]
	byEmail Store[string, int64]
}

func NewAccounts(byID Store[int64, model.Account], byEmail Store[string, int64]) *Accounts {
	return &Accounts{byID: byID, byEmail: byEmail}
}

// NewMemoryAccounts builds an Accounts replica on in-memory stores.
func NewMemoryAccounts() *Accounts {
	return NewAccounts(NewMemory[int64, model.Account](), NewMemory[string, int64]())
}

func (a *Accounts) Upsert(id int64, acc model.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc.ID = id
	prev, found, err := a.byID.Get(id)
	if err != nil {
		return err
	}
	if found {
		if old := model.NormalizeEmail(prev.Email); old != "" && old != model.NormalizeEmail(acc.Email) {
			if err := a.dropEmail(old, id); err != nil {
				return err
			}
		}
	}
	if err := a.byID.Upsert(id, acc); err != nil {
		return err
	}
	if email := model.NormalizeEmail(acc.Email); email != "" {
		if err := a.byEmail.Upsert(email, id); err != nil {
			return fmt.Errorf("index email: %w", err)
		}
	}
	return nil
}

func (a *Accounts) Delete(id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, found, err := a.byID.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := a.dropEmail(model.NormalizeEmail(prev.Email), id); err != nil {
		return err
	}
	return a.byID.Delete(id)
}

// dropEmail removes the email mapping only while it still points at id; the
// address may have moved to another account since.
func (a *Accounts) dropEmail(email string, id int64) error {
	if email == "" {
		return nil
	}
	owner, found, err := a.byEmail.Get(email)
	if err != nil {
		return err
	}
	if found && owner == id {
		return a.byEmail.Delete(email)
	}
	return nil
}

func (a *Accounts) Get(id int64) (model.Account, bool, error) {
	return a.byID.Get(id)
}

// GetByEmail resolves an account through the email index.
func (a *Accounts) GetByEmail(email string) (model.Account, bool, error) {
	norm := model.NormalizeEmail(email)
	if norm == "" {
		return model.Account{}, false, nil
	}
	id, found, err := a.byEmail.Get(norm)
	if err != nil || !found {
		return model.Account{}, false, err
	}
	acc, found, err := a.byID.Get(id)
	if err != nil || !found {
		return model.Account{}, false, err
	}
	// A concurrent email change can leave the index briefly ahead of the record.
	if model.NormalizeEmail(acc.Email) != norm {
		return model.Account{}, false, nil
	}
	return acc, true, nil
}

func (a *Accounts) Count() (int, error) { return a.byID.Count() }

func (a *Accounts) Range(fn func(id int64, acc model.Account) error) error {
	return a.byID.Range(fn)
}

func (a *Accounts) LoadAll(all map[int64]model.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	emails := make(map[string]int64, len(all))
	for id, acc := range all {
		if e := model.NormalizeEmail(acc.Email); e != "" {
			emails[e] = id
		}
	}
	if err := a.byID.LoadAll(all); err != nil {
		return err
	}
	return a.byEmail.LoadAll(emails)
}
