package notify

import (
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

var messageIDSpace = uuid.MustParse("6f1d5c1e-9a3b-4c56-8e1f-2b7d0a4c9e31")

// MessageID derives a stable Message-Id from a notice idempotency key, so a
// notice re-sent after a crash carries the same id as the first attempt on any host.
func MessageID(key, domain string) string {
	return "<" + uuid.NewSHA1(messageIDSpace, []byte(key)).String() + "@" + domain + ">"
}

// addressDomain returns the domain part of a mail address, or "localhost" when there is none.
func addressDomain(addr string) string {
	if a, err := mail.ParseAddress(addr); err == nil {
		addr = a.Address
	}
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
