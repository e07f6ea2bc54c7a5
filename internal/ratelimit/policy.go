package ratelimit

import "time"

// Policy is the per-flow parameter set. Every flow keys its counters under
// its own Flow prefix, so flows never contend on the same key.
type Policy struct {
	Flow      string
	Threshold int
	Window    time.Duration
	Lockout   time.Duration

	// Progression grows Lockout on repeated lockouts of the same origin.
	// Nil means every lockout lasts exactly Lockout.
	Progression *Progression
}

type Progression struct {
	Multipliers []float64
	MaxLockout  time.Duration
	Monitor     time.Duration
}

const (
	FlowLogin          = "login"
	FlowRegistration   = "register"
	FlowForgotPassword = "forgot-password"
	FlowOTP            = "otp"
	FlowPIN            = "pin"
)

var DefaultMultipliers = []float64{1, 2, 4, 8, 16}

func LoginPolicy() Policy {
	return Policy{Flow: FlowLogin, Threshold: 5, Window: 15 * time.Minute, Lockout: 30 * time.Minute}
}

func RegistrationPolicy() Policy {
	return Policy{Flow: FlowRegistration, Threshold: 5, Window: 30 * time.Minute, Lockout: 60 * time.Minute}
}

func ForgotPasswordPolicy() Policy {
	return Policy{Flow: FlowForgotPassword, Threshold: 3, Window: 30 * time.Minute, Lockout: 60 * time.Minute}
}

func OTPPolicy() Policy {
	return Policy{Flow: FlowOTP, Threshold: 5, Window: 15 * time.Minute, Lockout: 30 * time.Minute}
}

func PINPolicy() Policy {
	return Policy{
		Flow:      FlowPIN,
		Threshold: 5,
		Window:    15 * time.Minute,
		Lockout:   15 * time.Minute,
		Progression: &Progression{
			Multipliers: DefaultMultipliers,
			MaxLockout:  24 * time.Hour,
			Monitor:     24 * time.Hour,
		},
	}
}

// WithOverrides replaces any positive field. Used by env-driven configuration.
func (p Policy) WithOverrides(threshold int, window, lockout time.Duration) Policy {
	if threshold > 0 {
		p.Threshold = threshold
	}
	if window > 0 {
		p.Window = window
	}
	if lockout > 0 {
		p.Lockout = lockout
	}
	return p
}
