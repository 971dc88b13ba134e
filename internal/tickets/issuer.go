package tickets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/skip2/go-qrcode"
)

// Issuer mints ticket credentials: a random token and its HMAC-SHA256 signature.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("ticket signing secret is empty")
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

func (i *Issuer) Sign(token string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate recomputes the signature for token. Hex case is ignored.
func (i *Issuer) Validate(token, signature string) error {
	expected := i.Sign(token)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return errors.Wrap(domain.ErrSignatureMismatch, "ticket credential")
	}
	return nil
}

// Mint creates one issued ticket per unit of the order, one at a time.
func (i *Issuer) Mint(order domain.Order, expiresAt *time.Time) ([]domain.Ticket, error) {
	now := i.now()
	out := make([]domain.Ticket, 0, order.Units())
	for _, item := range order.Items {
		for n := 0; n < item.Quantity; n++ {
			token, err := uuid.NewRandom()
			if err != nil {
				return nil, errors.Wrap(err, "generate ticket token")
			}
			humanID, err := newHumanID()
			if err != nil {
				return nil, err
			}
			out = append(out, domain.Ticket{
				ID:           uuid.New(),
				OrderID:      order.ID,
				TicketTypeID: item.TicketTypeID,
				EventID:      order.EventID,
				Token:        token.String(),
				Signature:    i.Sign(token.String()),
				Status:       domain.TicketIssued,
				HumanID:      humanID,
				ExpiresAt:    expiresAt,
				IssuedAt:     now,
			})
		}
	}
	return out, nil
}

func newHumanID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate human id")
	}
	return "TKT-" + strings.ToUpper(hex.EncodeToString(b)), nil
}

// Credential is what a ticket QR code carries.
func Credential(t domain.Ticket) string {
	return t.Token + "." + t.Signature
}

// ParseCredential splits a scanned credential into token and signature.
func ParseCredential(raw string) (token, signature string, err error) {
	idx := strings.LastIndex(raw, ".")
	if idx <= 0 || idx == len(raw)-1 {
		return "", "", errors.Wrap(domain.ErrSignatureMismatch, "malformed credential")
	}
	return raw[:idx], raw[idx+1:], nil
}

// QRCode renders the ticket credential as a PNG.
func QRCode(t domain.Ticket, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(Credential(t), qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrapf(err, "encode qr for ticket %s", t.ID)
	}
	return png, nil
}
