package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"doc-prescrip/internal/account"
	"doc-prescrip/internal/mail"
	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/ratelimit"
	"doc-prescrip/internal/secevent"
	"doc-prescrip/internal/token"
)

type Policies struct {
	Login          ratelimit.Policy
	Registration   ratelimit.Policy
	ForgotPassword ratelimit.Policy
	OTP            ratelimit.Policy
}

func DefaultPolicies() Policies {
	return Policies{
		Login:          ratelimit.LoginPolicy(),
		Registration:   ratelimit.RegistrationPolicy(),
		ForgotPassword: ratelimit.ForgotPasswordPolicy(),
		OTP:            ratelimit.OTPPolicy(),
	}
}

type Config struct {
	RegistrationAccessKey string
	RequireEmailOTP       bool
	Policies              Policies
}

type FederatedSessions interface {
	Delete(ctx context.Context, id string) error
}

type Service struct {
	accounts  account.Store
	tokens    *token.Issuer
	limiter   ratelimit.Limiter
	otp       *OTPStore
	sessions  FederatedSessions
	mailer    mail.Sender
	events    secevent.Sink
	logger    *observability.Logger
	cfg       Config
	accessKey string

	hashPassword     func(string) (string, error)
	generatePassword func() (string, error)
	now              func() time.Time
}

type Deps struct {
	Accounts account.Store
	Tokens   *token.Issuer
	Limiter  ratelimit.Limiter
	OTP      *OTPStore
	Sessions FederatedSessions
	Mailer   mail.Sender
	Events   secevent.Sink
	Logger   *observability.Logger
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.Policies.Login.Flow == "" {
		cfg.Policies = DefaultPolicies()
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Service{
		accounts:         deps.Accounts,
		tokens:           deps.Tokens,
		limiter:          deps.Limiter,
		otp:              deps.OTP,
		sessions:         deps.Sessions,
		mailer:           deps.Mailer,
		events:           deps.Events,
		logger:           logger,
		cfg:              cfg,
		accessKey:        strings.TrimSpace(cfg.RegistrationAccessKey),
		hashPassword:     account.HashPassword,
		generatePassword: generatePassword,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Login checks the limiter before touching the store. A locked tuple is
// rejected without verifying the password. Store errors fail closed.
func (s *Service) Login(ctx context.Context, origin, email, password string) (Result, error) {
	email = normalizeEmail(email)
	p := s.cfg.Policies.Login

	if d := s.limiter.CheckAndConsume(ctx, p, email, origin); d.Locked {
		return Result{}, ErrLocked{Flow: p.Flow, RetryAfter: d.RetryAfter}
	}

	if err := validateEmail(email); err != nil {
		return Result{}, s.countFailure(ctx, p, email, origin, err)
	}
	if err := validateLoginPassword(password); err != nil {
		return Result{}, s.countFailure(ctx, p, email, origin, err)
	}

	doctor, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Result{}, s.countFailure(ctx, p, email, origin, ErrInvalidCredentials)
		}
		return Result{}, fmt.Errorf("load account: %w", err)
	}
	if !account.VerifyPassword(doctor, password) {
		return Result{}, s.countFailure(ctx, p, email, origin, ErrInvalidCredentials)
	}
	if !doctor.IsActive {
		return Result{}, ErrInactiveAccount
	}

	s.limiter.RecordSuccess(ctx, p, email, origin)

	tokens, err := s.issue(ctx, doctor)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	if err := s.accounts.UpdateFields(ctx, doctor.ID, account.Update{LastLoginAt: &now}); err != nil {
		s.logger.Warn("last_login_update_failed", map[string]any{"doctor_id": doctor.ID, "error": err.Error()})
	}
	s.record(ctx, origin, secevent.LoginSuccess, map[string]any{"method": "password", "doctor_id": doctor.ID})

	return Result{Doctor: doctor, Tokens: tokens}, nil
}

// Register validates everything before the availability check, and checks
// availability before hashing, so duplicates never cost a bcrypt round.
func (s *Service) Register(ctx context.Context, origin string, in RegisterInput) (Result, error) {
	in.Email = normalizeEmail(in.Email)
	in.Phone = normalizePhone(in.Phone)
	in.Name = strings.TrimSpace(in.Name)
	p := s.cfg.Policies.Registration

	if d := s.limiter.CheckAndConsume(ctx, p, in.Email, origin); d.Locked {
		return Result{}, ErrLocked{Flow: p.Flow, RetryAfter: d.RetryAfter}
	}

	if s.accessKey != "" && subtle.ConstantTimeCompare([]byte(s.accessKey), []byte(strings.TrimSpace(in.AccessKey))) != 1 {
		return Result{}, s.countFailure(ctx, p, in.Email, origin, ErrInvalidAccessKey)
	}

	for _, check := range []func() error{
		func() error { return validateName(in.Name) },
		func() error { return validateEmail(in.Email) },
		func() error { return validatePhone(in.Phone) },
		func() error { return validatePasswordStrength(in.Password) },
	} {
		if err := check(); err != nil {
			return Result{}, s.countFailure(ctx, p, in.Email, origin, err)
		}
	}

	if s.cfg.RequireEmailOTP {
		verified, err := s.otp.IsVerified(ctx, in.Email)
		if err != nil {
			return Result{}, err
		}
		if !verified {
			return Result{}, s.countFailure(ctx, p, in.Email, origin, ErrEmailNotVerified)
		}
	}

	if err := s.accounts.CheckAvailable(ctx, in.Email, in.Phone); err != nil {
		if isDuplicate(err) {
			return Result{}, s.countFailure(ctx, p, in.Email, origin, err)
		}
		return Result{}, fmt.Errorf("check availability: %w", err)
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}

	doctor, err := s.accounts.Create(ctx, account.NewDoctor{
		Email:           in.Email,
		Phone:           in.Phone,
		Name:            in.Name,
		PasswordHash:    hash,
		ProfileComplete: true,
	})
	if err != nil {
		if isDuplicate(err) {
			return Result{}, s.countFailure(ctx, p, in.Email, origin, err)
		}
		return Result{}, fmt.Errorf("create account: %w", err)
	}

	s.limiter.RecordSuccess(ctx, p, in.Email, origin)
	if s.cfg.RequireEmailOTP {
		if err := s.otp.ClearVerified(ctx, in.Email); err != nil {
			s.logger.Warn("otp_verified_clear_failed", map[string]any{"error": err.Error()})
		}
	}

	tokens, err := s.issue(ctx, doctor)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("doctor_registered", map[string]any{"doctor_id": doctor.ID})

	return Result{Doctor: doctor, Tokens: tokens}, nil
}

// Logout is best-effort: every cleanup step is attempted and failures are
// only logged.
func (s *Service) Logout(ctx context.Context, refreshToken, fedSessionID string) {
	if refreshToken != "" {
		if claims, err := s.tokens.ParseRefreshToken(refreshToken); err == nil {
			if err := s.tokens.Revoke(ctx, claims.UserID, refreshToken); err != nil {
				s.logger.Warn("logout_revoke_failed", map[string]any{"error": err.Error()})
			}
		}
	}
	if fedSessionID != "" && s.sessions != nil {
		if err := s.sessions.Delete(ctx, fedSessionID); err != nil {
			s.logger.Warn("logout_session_delete_failed", map[string]any{"error": err.Error()})
		}
	}
}

// Refresh rotates: the presented token's marker is consumed before anything
// is issued, so one refresh token yields at most one new pair. A missing
// marker means the token was revoked or already rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	claims, err := s.tokens.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) || errors.Is(err, token.ErrRevoked) {
			return Result{}, ErrInvalidRefreshToken
		}
		return Result{}, err
	}

	doctor, err := s.accounts.FindByID(ctx, claims.UserID)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return Result{}, fmt.Errorf("load account: %w", err)
	}
	if doctor == nil || !doctor.IsActive {
		return Result{}, ErrInvalidRefreshToken
	}

	tokens, err := s.issue(ctx, doctor)
	if err != nil {
		return Result{}, err
	}
	return Result{Doctor: doctor, Tokens: tokens}, nil
}

// ForgotPassword replaces the password with a generated one and emails it.
// Every request counts against the (email, origin) limit, and unknown emails
// get the same nil result as known ones.
func (s *Service) ForgotPassword(ctx context.Context, origin, email string) error {
	email = normalizeEmail(email)
	p := s.cfg.Policies.ForgotPassword

	if d := s.limiter.CheckAndConsume(ctx, p, email, origin); d.Locked {
		return ErrLocked{Flow: p.Flow, RetryAfter: d.RetryAfter}
	}
	if err := validateEmail(email); err != nil {
		return s.countFailure(ctx, p, email, origin, err)
	}

	s.limiter.RecordFailure(ctx, p, email, origin)

	doctor, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			s.logger.Info("password_reset_unknown_email", map[string]any{"origin": origin})
			return nil
		}
		return fmt.Errorf("load account: %w", err)
	}
	if !doctor.IsActive {
		s.logger.Info("password_reset_inactive_account", map[string]any{"doctor_id": doctor.ID})
		return nil
	}

	password, err := s.generatePassword()
	if err != nil {
		return fmt.Errorf("generate password: %w", err)
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.accounts.UpdateFields(ctx, doctor.ID, account.Update{PasswordHash: &hash}); err != nil {
		return fmt.Errorf("store new password: %w", err)
	}
	if err := s.mailer.Send(ctx, mail.NewPasswordMessage(doctor.Email, doctor.Name, password)); err != nil {
		// Nobody knows the new password, so the old one must stay valid.
		previous := doctor.PasswordHash
		if restoreErr := s.accounts.UpdateFields(ctx, doctor.ID, account.Update{PasswordHash: &previous}); restoreErr != nil {
			s.logger.Error("password_reset_restore_failed", map[string]any{"doctor_id": doctor.ID, "error": restoreErr.Error()})
		}
		return fmt.Errorf("send new password: %w", err)
	}

	s.logger.Info("password_reset_sent", map[string]any{"doctor_id": doctor.ID})
	return nil
}

func (s *Service) SendOTP(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	code, err := s.otp.Issue(ctx, email)
	if err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, mail.OTPMessage(email, code, int(s.otp.TTL()/time.Minute))); err != nil {
		return fmt.Errorf("send otp: %w", err)
	}
	return nil
}

func (s *Service) VerifyOTP(ctx context.Context, origin, email, code string) error {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	p := s.cfg.Policies.OTP

	if d := s.limiter.CheckAndConsume(ctx, p, email, origin); d.Locked {
		return ErrLocked{Flow: p.Flow, RetryAfter: d.RetryAfter}
	}
	if err := validateEmail(email); err != nil {
		return s.countFailure(ctx, p, email, origin, err)
	}
	if !otpRegex.MatchString(code) {
		return s.countFailure(ctx, p, email, origin, ValidationError{Field: "otp", Message: "code must be 6 digits"})
	}

	if err := s.otp.Verify(ctx, email, code); err != nil {
		if errors.Is(err, ErrInvalidOTP) {
			return s.countFailure(ctx, p, email, origin, err)
		}
		return err
	}

	s.limiter.RecordSuccess(ctx, p, email, origin)
	return nil
}

func (s *Service) Profile(ctx context.Context, doctorID string) (*account.Doctor, error) {
	return s.accounts.FindByID(ctx, doctorID)
}

func (s *Service) issue(ctx context.Context, d *account.Doctor) (Tokens, error) {
	access, err := s.tokens.IssueAccessToken(token.Identity{ID: d.ID, Email: d.Email, Name: d.Name, Role: d.AccessType})
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.tokens.IssueRefreshToken(ctx, d.ID)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessTTL:    s.tokens.AccessTTL(),
		RefreshTTL:   s.tokens.RefreshTTL(),
	}, nil
}

func (s *Service) countFailure(ctx context.Context, p ratelimit.Policy, identity, origin string, cause error) error {
	d := s.limiter.RecordFailure(ctx, p, identity, origin)
	if p.Flow == ratelimit.FlowLogin {
		s.record(ctx, origin, secevent.LoginFailure, map[string]any{"remaining": d.Remaining})
	}
	return &AttemptError{Err: cause, Remaining: d.Remaining}
}

func (s *Service) record(ctx context.Context, origin string, eventType secevent.Type, details map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Record(ctx, secevent.Event{Origin: origin, Type: eventType, Details: details})
}

func isDuplicate(err error) bool {
	return errors.Is(err, account.ErrDuplicateEmail) || errors.Is(err, account.ErrDuplicatePhone)
}

const (
	upperChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	lowerChars  = "abcdefghijkmnopqrstuvwxyz"
	digitChars  = "23456789"
	symbolChars = "!@#$%&*?"
)

// generatePassword returns 12 characters with at least one of each class, so
// it passes validatePasswordStrength.
func generatePassword() (string, error) {
	classes := []string{upperChars, lowerChars, digitChars, symbolChars}
	all := strings.Join(classes, "")

	out := make([]byte, 0, 12)
	for _, set := range classes {
		c, err := pick(set)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < 12 {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func pick(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, err
	}
	return set[n.Int64()], nil
}
