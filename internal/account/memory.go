package account

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store for tests and local runs without Postgres.
// Setting Err makes every call fail with it, which is how callers exercise
// their store-unavailable paths.
type Memory struct {
	mu      sync.Mutex
	doctors map[string]*Doctor
	Err     error
}

var _ Store = (*Memory)(nil)

func NewMemory(seed ...Doctor) *Memory {
	m := &Memory{doctors: make(map[string]*Doctor)}
	for _, d := range seed {
		d := d
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.AccessType == "" {
			d.AccessType = DefaultAccessType
		}
		m.doctors[d.ID] = &d
	}
	return m
}

func (m *Memory) FindByEmail(_ context.Context, email string) (*Doctor, error) {
	return m.find(func(d *Doctor) bool { return d.Email == email })
}

func (m *Memory) FindByID(_ context.Context, id string) (*Doctor, error) {
	return m.find(func(d *Doctor) bool { return d.ID == id })
}

func (m *Memory) FindByGoogleID(_ context.Context, googleID string) (*Doctor, error) {
	return m.find(func(d *Doctor) bool { return googleID != "" && d.GoogleID == googleID })
}

func (m *Memory) CheckAvailable(_ context.Context, email, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	return m.checkLocked(email, phone)
}

func (m *Memory) Create(_ context.Context, nd NewDoctor) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if err := m.checkLocked(nd.Email, nd.Phone); err != nil {
		return nil, err
	}
	if nd.AccessType == "" {
		nd.AccessType = DefaultAccessType
	}

	now := time.Now().UTC()
	d := &Doctor{
		ID:              uuid.NewString(),
		Email:           nd.Email,
		Phone:           nd.Phone,
		Name:            nd.Name,
		PasswordHash:    nd.PasswordHash,
		GoogleID:        nd.GoogleID,
		IsGoogleUser:    nd.GoogleID != "",
		IsActive:        true,
		ProfileComplete: nd.ProfileComplete,
		AccessType:      nd.AccessType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.doctors[d.ID] = d
	out := *d
	return &out, nil
}

func (m *Memory) UpdateFields(_ context.Context, id string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	d, ok := m.doctors[id]
	if !ok {
		return ErrNotFound
	}
	if u.Empty() {
		return nil
	}

	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.Phone != nil {
		d.Phone = *u.Phone
	}
	if u.PasswordHash != nil {
		d.PasswordHash = *u.PasswordHash
	}
	if u.GoogleID != nil {
		d.GoogleID = *u.GoogleID
	}
	if u.IsGoogleUser != nil {
		d.IsGoogleUser = *u.IsGoogleUser
	}
	if u.IsActive != nil {
		d.IsActive = *u.IsActive
	}
	if u.ProfileComplete != nil {
		d.ProfileComplete = *u.ProfileComplete
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// Len reports how many records exist.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.doctors)
}

func (m *Memory) find(match func(*Doctor) bool) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, d := range m.doctors {
		if match(d) {
			out := *d
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) checkLocked(email, phone string) error {
	for _, d := range m.doctors {
		if d.Email == email {
			return ErrDuplicateEmail
		}
	}
	if phone == "" {
		return nil
	}
	for _, d := range m.doctors {
		if d.Phone == phone {
			return ErrDuplicatePhone
		}
	}
	return nil
}
