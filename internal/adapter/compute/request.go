package compute

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"luraaya/apps/backend/features/job"
)

var (
	timePattern    = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
	countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)
)

type BirthPlace struct {
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	PlaceID     string   `json:"place_id"`
	Name        string   `json:"name"`
	CountryCode string   `json:"country_code"`
}

// Request is the v1 compute contract.
type Request struct {
	Language   string     `json:"language"`
	PlanTier   string     `json:"plan_tier"`
	BirthDate  string     `json:"birth_date"`
	BirthTime  *string    `json:"birth_time"`
	BirthPlace BirthPlace `json:"birth_place"`
	Name       string     `json:"name"`
}

// NewRequest maps a subject onto the compute contract. It does not validate;
// call Validate before sending.
func NewRequest(s job.Subject) Request {
	r := Request{
		Language:  strings.ToLower(strings.TrimSpace(s.Language)),
		PlanTier:  strings.ToLower(strings.TrimSpace(s.PlanTier)),
		BirthTime: s.BirthTime(),
		Name:      s.DisplayName(),
		BirthPlace: BirthPlace{
			Lat:         s.BirthPlace.Lat,
			Lon:         s.BirthPlace.Lon,
			PlaceID:     strings.TrimSpace(s.BirthPlace.PlaceID),
			Name:        strings.TrimSpace(s.BirthPlace.Name),
			CountryCode: strings.ToUpper(strings.TrimSpace(s.BirthPlace.CountryCode)),
		},
	}
	if s.DateOfBirth != nil {
		r.BirthDate = s.DateOfBirth.Format(time.DateOnly)
	}
	if r.Language == "" {
		r.Language = "de"
	}
	if r.PlanTier == "" {
		r.PlanTier = "base"
	}
	return r
}

// Validate reports the first contract violation, wrapped in ErrValidation.
func (r Request) Validate() error {
	switch r.Language {
	case "de", "en", "fr":
	default:
		return fmt.Errorf("%w: language %q", ErrValidation, r.Language)
	}
	switch r.PlanTier {
	case "base", "premium":
	default:
		return fmt.Errorf("%w: plan_tier %q", ErrValidation, r.PlanTier)
	}
	if _, err := time.Parse(time.DateOnly, r.BirthDate); err != nil {
		return fmt.Errorf("%w: birth_date %q", ErrValidation, r.BirthDate)
	}
	if r.BirthTime != nil && !timePattern.MatchString(*r.BirthTime) {
		return fmt.Errorf("%w: birth_time %q", ErrValidation, *r.BirthTime)
	}
	if lat := r.BirthPlace.Lat; lat == nil || *lat < -90 || *lat > 90 {
		return fmt.Errorf("%w: birth_place.lat missing or out of range", ErrValidation)
	}
	if lon := r.BirthPlace.Lon; lon == nil || *lon < -180 || *lon > 180 {
		return fmt.Errorf("%w: birth_place.lon missing or out of range", ErrValidation)
	}
	if r.BirthPlace.PlaceID == "" {
		return fmt.Errorf("%w: birth_place.place_id is required", ErrValidation)
	}
	if r.BirthPlace.Name == "" {
		return fmt.Errorf("%w: birth_place.name is required", ErrValidation)
	}
	if !countryPattern.MatchString(r.BirthPlace.CountryCode) {
		return fmt.Errorf("%w: birth_place.country_code %q", ErrValidation, r.BirthPlace.CountryCode)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	return nil
}
