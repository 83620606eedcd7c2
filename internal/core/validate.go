package core

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/schedule"
	"github.com/go-playground/validator/v10"
)

var addressRe = regexp.MustCompile(`^7\d{10}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("address", func(fl validator.FieldLevel) bool {
		return addressRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, err := schedule.ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CampaignSpec is the operator-supplied definition of a campaign, used for
// both create and edit.
type CampaignSpec struct {
	WindowStart     time.Time `json:"window_start" validate:"required"`
	WindowEnd       time.Time `json:"window_end" validate:"required,gtfield=WindowStart"`
	DailyStart      string    `json:"daily_start,omitempty" validate:"required_with=DailyEnd,omitempty,timeofday"`
	DailyEnd        string    `json:"daily_end,omitempty" validate:"required_with=DailyStart,omitempty,timeofday"`
	RecipientFilter []string  `json:"recipient_filter" validate:"dive,required"`
	Body            string    `json:"body" validate:"required"`
}

// Validate checks the definition against the campaign invariants at now.
func (s CampaignSpec) Validate(now time.Time) error {
	if err := validate.Struct(s); err != nil {
		return validationError(ErrCodeValidationCampaign, "invalid campaign", err)
	}
	if !s.WindowEnd.After(now) {
		return NewAppError(ErrCodeValidationCampaign, "window_end must be in the future", nil).
			WithDetails(map[string]any{"window_end": "must be after now"})
	}
	return nil
}

// Apply copies the definition into c. It must have been validated.
func (s CampaignSpec) Apply(c *Campaign) {
	c.WindowStart = s.WindowStart.UTC()
	c.WindowEnd = s.WindowEnd.UTC()
	c.DailyStart, c.DailyEnd = nil, nil
	if s.DailyStart != "" && s.DailyEnd != "" {
		start, _ := schedule.ParseTimeOfDay(s.DailyStart)
		end, _ := schedule.ParseTimeOfDay(s.DailyEnd)
		c.DailyStart, c.DailyEnd = &start, &end
	}
	c.RecipientFilter = normalizeTags(s.RecipientFilter)
	c.Body = s.Body
}

type RecipientSpec struct {
	Address  string   `json:"address" validate:"required,address"`
	Tags     []string `json:"tags" validate:"dive,required,max=64"`
	Timezone string   `json:"timezone" validate:"required,timezone"`
}

func (s RecipientSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return validationError(ErrCodeValidationRecipient, "invalid recipient", err)
	}
	return nil
}

// Recipient builds a recipient from the request with its derived code set.
func (s RecipientSpec) Recipient() Recipient {
	return Recipient{
		Address:     s.Address,
		DerivedCode: DeriveCode(s.Address),
		Tags:        normalizeTags(s.Tags),
		Timezone:    s.Timezone,
	}
}

// RecipientPatch carries the fields an operator may change after creation.
type RecipientPatch struct {
	Tags     *[]string `json:"tags,omitempty" validate:"omitempty,dive,required,max=64"`
	Timezone *string   `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

func (p RecipientPatch) Validate() error {
	if err := validate.Struct(p); err != nil {
		return validationError(ErrCodeValidationRecipient, "invalid recipient update", err)
	}
	return nil
}

func (p RecipientPatch) Apply(r *Recipient) {
	if p.Tags != nil {
		r.Tags = normalizeTags(*p.Tags)
	}
	if p.Timezone != nil {
		r.Timezone = *p.Timezone
	}
}

func validationError(code ErrorCode, msg string, err error) *AppError {
	details := map[string]any{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
	}
	return NewAppError(code, msg, err).WithDetails(details)
}

func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
