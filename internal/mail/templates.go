package mail

import (
	"fmt"
	"html"
)

const productName = "Doc Prescrip"

func OTPMessage(to, code string, validMinutes int) Message {
	return Message{
		To:      to,
		Subject: productName + " verification code",
		HTML: fmt.Sprintf(
			`<p>Your verification code is <strong>%s</strong>.</p><p>It expires in %d minutes. If you did not request it, ignore this email.</p>`,
			html.EscapeString(code), validMinutes,
		),
		Text: fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, validMinutes),
	}
}

func NewPasswordMessage(to, name, password string) Message {
	greeting := "Hello"
	if name != "" {
		greeting = "Hello " + name
	}
	return Message{
		To:      to,
		Subject: productName + " password reset",
		HTML: fmt.Sprintf(
			`<p>%s,</p><p>Your password has been reset. Your new password is <strong>%s</strong>.</p><p>Sign in and change it from your profile.</p>`,
			html.EscapeString(greeting), html.EscapeString(password),
		),
		Text: fmt.Sprintf("%s, your password has been reset. Your new password is %s", greeting, password),
	}
}
