package app

import (
	"strings"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

// eventClass says how the reconciler treats a raw provider event word.
type eventClass int

const (
	eventUnknown eventClass = iota
	eventCanonical
	eventInformational
)

var canonicalVocabulary = map[string]domain.EventType{
	"delivery":      domain.EventDelivery,
	"delivered":     domain.EventDelivery,
	"delivrd":       domain.EventDelivery,
	"success":       domain.EventDelivery,
	"bounce":        domain.EventBounce,
	"bounced":       domain.EventBounce,
	"hard_bounce":   domain.EventBounce,
	"soft_bounce":   domain.EventBounce,
	"blocked":       domain.EventBounce,
	"undelivered":   domain.EventBounce,
	"undeliv":       domain.EventBounce,
	"rejected":      domain.EventBounce,
	"rejectd":       domain.EventBounce,
	"complaint":     domain.EventComplaint,
	"spamreport":    domain.EventComplaint,
	"spam_report":   domain.EventComplaint,
	"spam":          domain.EventComplaint,
	"open":          domain.EventOpen,
	"opened":        domain.EventOpen,
	"read":          domain.EventOpen,
	"click":         domain.EventClick,
	"clicked":       domain.EventClick,
	"failed":        domain.EventFailed,
	"failure":       domain.EventFailed,
	"dropped":       domain.EventFailed,
	"error":         domain.EventFailed,
	"expired":       domain.EventFailed,
	"undeliverable": domain.EventFailed,
}

var informationalVocabulary = map[string]bool{
	"queued":    true,
	"accepted":  true,
	"processed": true,
	"deferred":  true,
	"sending":   true,
	"sent":      true,
	"scheduled": true,
	"enroute":   true,
	"buffered":  true,
}

// normalizeEvent maps a provider's event word onto the canonical taxonomy.
func normalizeEvent(raw string) (domain.EventType, eventClass) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if ev, ok := canonicalVocabulary[key]; ok {
		return ev, eventCanonical
	}
	if informationalVocabulary[key] {
		return "", eventInformational
	}
	return "", eventUnknown
}

// eventFromDeliveryState maps a polled delivery state to the event it implies.
func eventFromDeliveryState(state domain.DeliveryState) (domain.EventType, bool) {
	switch state {
	case domain.DeliveryDelivered:
		return domain.EventDelivery, true
	case domain.DeliveryBounced:
		return domain.EventBounce, true
	case domain.DeliveryFailed:
		return domain.EventFailed, true
	}
	return "", false
}
