package mandates

import (
	"strings"

	"bitbucket.org/mmdatafocus/ddsync_backend/ddclient"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/shopspring/decimal"
)

type State int

const (
	StateDraft     State = ddclient.StateDraft
	StateNew       State = ddclient.StateNew
	StateLive      State = ddclient.StateLive
	StateCancelled State = ddclient.StateCancelled
	StateRejected  State = ddclient.StateRejected
)

func (s State) String() string {
	switch s {
	case StateDraft:
		return "Draft"
	case StateNew:
		return "New"
	case StateLive:
		return "Live"
	case StateCancelled:
		return "Cancelled"
	case StateRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Mandate is the cached view of one standing authorisation. Reference is the
// only key shared with recurring payment records.
type Mandate struct {
	Reference         string          `json:"reference"`
	State             State           `json:"state"`
	DefaultAmount     decimal.Decimal `json:"default_amount"`
	LastAmount        decimal.Decimal `json:"last_amount"`
	FrequencyType     string          `json:"frequency_type"`
	FrequencyFactor   int             `json:"frequency_factor"`
	FrequencyUnit     string          `json:"frequency_unit"`
	FrequencyInterval int             `json:"frequency_interval"`
	PayerName         string          `json:"payer_name"`
	StartDate         string          `json:"start_date"`
	RecurringId       uint            `json:"recurring_id,omitempty"`
}

func (m *Mandate) HasRecurLink() bool {
	return m != nil && m.RecurringId != 0
}

// TranslateFrequency maps the service frequency code to a unit and interval.
// Unknown or missing codes are treated as yearly.
func TranslateFrequency(frequencyType string, factor int) (string, int) {
	if factor <= 0 {
		factor = 1
	}
	code := strings.ToUpper(strings.TrimSpace(frequencyType))
	if code == "" {
		return "year", 1
	}
	switch code[0] {
	case 'W':
		return "week", factor
	case 'M':
		return "month", factor
	case 'Q':
		return "month", factor * 3
	case 'Y', 'A':
		return "year", factor
	default:
		return "year", 1
	}
}

func fromAuditDetail(d ddclient.AuditDetail) *Mandate {
	unit, interval := TranslateFrequency(d.FrequencyType, d.FrequencyFactor)
	amount, ok := utils.CleanAmount(d.DefaultAmount)
	if !ok {
		amount = decimal.Zero
	}
	last, ok := utils.CleanAmount(d.Attributes["last_collection_amount"])
	if !ok {
		last = decimal.Zero
	}
	return &Mandate{
		Reference:         d.ReferenceNumber,
		State:             State(d.CurrentState),
		DefaultAmount:     amount,
		LastAmount:        last,
		FrequencyType:     d.FrequencyType,
		FrequencyFactor:   d.FrequencyFactor,
		FrequencyUnit:     unit,
		FrequencyInterval: interval,
		PayerName:         strings.TrimSpace(d.FirstName + " " + d.LastName),
		StartDate:         d.StartDate,
	}
}
