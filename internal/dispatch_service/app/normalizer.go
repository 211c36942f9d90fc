package app

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

const maxPushTokenLength = 4096

var phoneFormatting = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// RecipientNormalizer validates and canonicalizes recipients per channel.
// Invalid entries are dropped; an empty result is a validation error.
type RecipientNormalizer struct {
	validate *validator.Validate
	logger   *slog.Logger
}

func NewRecipientNormalizer(logger *slog.Logger) *RecipientNormalizer {
	return &RecipientNormalizer{
		validate: validator.New(),
		logger:   logger.With("component", "recipient_normalizer"),
	}
}

// Normalize turns caller input into canonical, de-duplicated recipients.
// Duplicates keep their first occurrence.
func (n *RecipientNormalizer) Normalize(channel domain.CommunicationType, in domain.RecipientInput) ([]domain.Recipient, error) {
	if !channel.Valid() {
		return nil, domain.NewValidationError("type", "unsupported communication type "+string(channel))
	}
	candidates := make([]domain.Recipient, 0, len(in))
	for _, entry := range in {
		candidates = append(candidates, fromEntry(channel, entry))
	}
	out := n.filter(channel, candidates)
	if len(out) == 0 {
		return nil, domain.NoValidRecipients(channel)
	}
	return out, nil
}

// Renormalize re-validates stored recipients before a send attempt.
func (n *RecipientNormalizer) Renormalize(channel domain.CommunicationType, rs []domain.Recipient) []domain.Recipient {
	return n.filter(channel, rs)
}

func (n *RecipientNormalizer) filter(channel domain.CommunicationType, candidates []domain.Recipient) []domain.Recipient {
	out := make([]domain.Recipient, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for i, r := range candidates {
		addr, ok := n.canonical(channel, r.Address)
		if !ok {
			recipientsDroppedCounter.WithLabelValues(string(channel), "invalid").Inc()
			n.logger.Debug("Dropping invalid recipient", "type", channel, "index", i)
			continue
		}
		if _, dup := seen[addr]; dup {
			recipientsDroppedCounter.WithLabelValues(string(channel), "duplicate").Inc()
			continue
		}
		seen[addr] = struct{}{}
		r.Address = addr
		out = append(out, r)
	}
	return out
}

// canonical returns the canonical form of addr for channel and whether it is valid.
func (n *RecipientNormalizer) canonical(channel domain.CommunicationType, addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", false
	}
	switch channel {
	case domain.TypeEmail:
		addr = strings.ToLower(addr)
		return addr, n.validate.Var(addr, "email") == nil
	case domain.TypeSMS:
		addr = phoneFormatting.Replace(addr)
		if strings.HasPrefix(addr, "00") {
			addr = "+" + addr[2:]
		}
		return addr, n.validate.Var(addr, "e164") == nil
	case domain.TypePush:
		if len(addr) > maxPushTokenLength || strings.IndexFunc(addr, unicode.IsSpace) >= 0 {
			return "", false
		}
		return addr, n.validate.Var(addr, "required,printascii") == nil
	case domain.TypeWebhook:
		return addr, n.validate.Var(addr, "http_url") == nil
	}
	return "", false
}

func fromEntry(channel domain.CommunicationType, e domain.RecipientEntry) domain.Recipient {
	if e.Record == nil {
		return domain.Recipient{Address: e.Raw}
	}
	rec := e.Record
	return domain.Recipient{
		Address:  rec.AddressFor(channel),
		Name:     rec.Name,
		Email:    rec.Email,
		Phone:    rec.Phone,
		Token:    rec.Token,
		URL:      rec.URL,
		Metadata: rec.Metadata,
	}
}
