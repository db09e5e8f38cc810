package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PhaseType is the closed set of trading window kinds in a season week.
type PhaseType string

const (
	PhaseInitialOffering PhaseType = "INITIAL_OFFERING"
	PhaseSecondOffering  PhaseType = "SECOND_OFFERING"
	PhaseFirstListing    PhaseType = "FIRST_LISTING"
	PhaseSecondListing   PhaseType = "SECOND_LISTING"
	PhaseGameDay         PhaseType = "GAME_DAY"
)

// PhaseKind groups phase types by how they settle.
type PhaseKind int

const (
	KindOffering PhaseKind = iota + 1
	KindListing
	KindGameDay
)

// ParsePhaseType validates a stored or user-supplied phase type.
func ParsePhaseType(s string) (PhaseType, error) {
	switch t := PhaseType(s); t {
	case PhaseInitialOffering, PhaseSecondOffering, PhaseFirstListing, PhaseSecondListing, PhaseGameDay:
		return t, nil
	}
	return "", fmt.Errorf("model: unknown phase type %q", s)
}

// Kind maps a phase type onto its settlement kind.
func (t PhaseType) Kind() PhaseKind {
	switch t {
	case PhaseInitialOffering, PhaseSecondOffering:
		return KindOffering
	case PhaseFirstListing, PhaseSecondListing:
		return KindListing
	case PhaseGameDay:
		return KindGameDay
	}
	return 0
}

// AcceptsBids reports whether bids may be placed in this phase type.
func (t PhaseType) AcceptsBids() bool {
	k := t.Kind()
	return k == KindOffering || k == KindListing
}

// AcceptsListings reports whether sell listings may be placed.
func (t PhaseType) AcceptsListings() bool { return t.Kind() == KindListing }

// Phase is a typed trading window within a season week. IsOpen is a manual
// flag; once a phase is closed it is never settled again.
type Phase struct {
	ID         string     `json:"id" db:"id"`
	SeasonID   string     `json:"season_id" db:"season_id"`
	Type       PhaseType  `json:"phase_type" db:"phase_type"`
	WeekNumber int        `json:"week_number" db:"week_number"`
	IsOpen     bool       `json:"is_open" db:"is_open"`
	StartDate  time.Time  `json:"start_date" db:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty" db:"end_date"`
}

// AcceptingAt reports whether the phase takes orders at time now: the
// manual flag must be set and now must fall inside the window.
func (p *Phase) AcceptingAt(now time.Time) bool {
	if !p.IsOpen {
		return false
	}
	if !p.StartDate.IsZero() && now.Before(p.StartDate) {
		return false
	}
	if p.EndDate != nil && !now.Before(*p.EndDate) {
		return false
	}
	return true
}

// AchievementType is the catalogue of dividend-paying accomplishments.
type AchievementType string

const (
	AchievementReward             AchievementType = "REWARD"
	AchievementHiddenIdol         AchievementType = "HIDDEN_IDOL"
	AchievementTribalImmunity     AchievementType = "TRIBAL_IMMUNITY"
	AchievementIndividualImmunity AchievementType = "INDIVIDUAL_IMMUNITY"
)

var achievementMultipliers = map[AchievementType]decimal.Decimal{
	AchievementReward:             decimal.RequireFromString("0.05"),
	AchievementHiddenIdol:         decimal.RequireFromString("0.05"),
	AchievementTribalImmunity:     decimal.RequireFromString("0.10"),
	AchievementIndividualImmunity: decimal.RequireFromString("0.15"),
}

// Multiplier returns the fixed dollar-per-share payout for the type.
func (t AchievementType) Multiplier() (decimal.Decimal, error) {
	m, ok := achievementMultipliers[t]
	if !ok {
		return decimal.Zero, fmt.Errorf("model: unknown achievement type %q", t)
	}
	return m, nil
}
