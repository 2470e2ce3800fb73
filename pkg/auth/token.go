// Package auth handles the bot credential.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// BotFather tokens look like "123456789:AA...". The secret part has been
// 35 characters for years; accept anything plausibly longer too.
var botTokenPattern = regexp.MustCompile(`^[0-9]{5,}:[A-Za-z0-9_-]{30,}$`)

// ValidateBotToken checks the token shape without calling Telegram.
func ValidateBotToken(token string) error {
	if token == "" {
		return errors.New("token cannot be empty")
	}
	if !botTokenPattern.MatchString(token) {
		return errors.New("token does not look like a bot token (expected <bot id>:<secret> from @BotFather)")
	}
	return nil
}

// LoginPasteToken prompts on w and reads one bot token from r.
func LoginPasteToken(r io.Reader, w io.Writer) (string, error) {
	fmt.Fprintln(w, "Paste the bot token from @BotFather:")
	fmt.Fprint(w, "> ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return "", errors.New("no input received")
	}

	token := strings.TrimSpace(scanner.Text())
	if err := ValidateBotToken(token); err != nil {
		return "", err
	}
	return token, nil
}

// Redact hides the secret half of a token for display.
func Redact(token string) string {
	id, secret, found := strings.Cut(token, ":")
	if !found || len(secret) < 4 {
		return "****"
	}
	return id + ":****" + secret[len(secret)-4:]
}
