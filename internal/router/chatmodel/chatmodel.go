// Package chatmodel holds the inbound chat update shape and the two
// signature checks guarding it: a constant-time webhook secret header
// comparison, and Telegram's WebApp initData HMAC-SHA256 scheme.
package chatmodel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// From is the sender of a message, per the subset of Telegram's User object consumed.
type From struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	LanguageCode string `json:"language_code"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is the subset of Telegram's Message object the router reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	From      From   `json:"from"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
}

// Update is one inbound webhook push or poll item.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Text returns the text-carrying content of the update (text, falling back
// to caption), and false if neither is present -- callers ignore such
// updates per §4.9 step 1.
func (u Update) Text() (string, bool) {
	if u.Message == nil {
		return "", false
	}
	if u.Message.Text != "" {
		return u.Message.Text, true
	}
	if u.Message.Caption != "" {
		return u.Message.Caption, true
	}
	return "", false
}

// CheckWebhookSecret compares the X-Telegram-Bot-Api-Secret-Token header
// against the configured secret in constant time.
func CheckWebhookSecret(header, expected string) bool {
	if expected == "" {
		return true
	}
	if len(header) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(expected)) == 1
}

// VerifyTelegramWebApp validates a WebApp initData query string against
// botToken per Telegram's documented scheme: the "hash" field is removed,
// remaining fields are sorted and joined as "key=value" lines, HMAC-SHA256
// is computed over that string twice (once keyed by "WebAppData" over the
// bot token to derive the secret key, once keyed by the secret key over the
// data-check-string), and the result must match "hash" exactly.
func VerifyTelegramWebApp(initData, botToken string) bool {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return false
	}
	hash := values.Get("hash")
	if hash == "" {
		return false
	}
	values.Del("hash")

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	dataCheckString := strings.Join(lines, "\n")

	secretKeyMAC := hmac.New(sha256.New, []byte("WebAppData"))
	secretKeyMAC.Write([]byte(botToken))
	secretKey := secretKeyMAC.Sum(nil)

	mac := hmac.New(sha256.New, secretKey)
	mac.Write([]byte(dataCheckString))
	computed := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
