package delivery

import (
	"encoding/json"
	"strings"
	"time"

	"luraaya/apps/backend/features/job"
)

// PromptVersion is stored with every sent row; bump it when the template changes.
const PromptVersion = "luraaya-prompt-v1"

const (
	MessageDaily   = "daily_horoscope"
	MessageWeekly  = "weekly_forecast"
	MessageMonthly = "monthly_reading"
)

const promptTemplate = `Du bist ein feinfühliger, poetischer astrologischer Textgenerator.

Name: {{Vorname}}
Geburtsdatum: {{Geburtsdatum}}
Geburtszeit: {{Geburtszeit}}
Geburtsort: {{Geburtsort}}
Frequenz: {{Frequenz}}
Sprache: {{Sprache}}

Hinweis: Verwende das aktuelle Datum {{Datum}} als Referenzzeit.`

const notSpecified = "not specified"

type Prompt struct {
	System string
	User   string
}

// PromptInput carries what the template needs. Facts is the compute output,
// or the cached copy when a retry replays.
type PromptInput struct {
	Subject     job.Subject
	MessageType string
	Facts       json.RawMessage
	Date        time.Time
}

// MessageTypeFor maps a subscription cadence to the message type stored on the row.
func MessageTypeFor(subscriptionType string) string {
	switch strings.ToLower(strings.TrimSpace(subscriptionType)) {
	case "weekly":
		return MessageWeekly
	case "monthly":
		return MessageMonthly
	default:
		return MessageDaily
	}
}

func frequencyFor(messageType string) string {
	switch messageType {
	case MessageWeekly:
		return "weekly"
	case MessageMonthly:
		return "monthly"
	default:
		return "daily"
	}
}

func LanguageName(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "de":
		return "German"
	case "fr":
		return "French"
	default:
		return "English"
	}
}

func BuildPrompt(in PromptInput) Prompt {
	s := in.Subject

	name := s.DisplayName()
	if name == "" {
		name = "Celestial Voyager"
	}
	dob := notSpecified
	if s.DateOfBirth != nil {
		dob = s.DateOfBirth.Format(time.DateOnly)
	}
	tob := notSpecified
	if bt := s.BirthTime(); bt != nil {
		tob = *bt
	}
	place := notSpecified
	if n := strings.TrimSpace(s.BirthPlace.Name); n != "" {
		place = n
		if cc := strings.TrimSpace(s.BirthPlace.CountryCode); cc != "" {
			place += ", " + strings.ToUpper(cc)
		}
	}
	lang := strings.ToLower(strings.TrimSpace(s.Language))
	if lang == "" {
		lang = "en"
	}

	r := strings.NewReplacer(
		"{{Vorname}}", name,
		"{{Geburtsdatum}}", dob,
		"{{Geburtszeit}}", tob,
		"{{Geburtsort}}", place,
		"{{Frequenz}}", frequencyFor(in.MessageType),
		"{{Sprache}}", lang,
		"{{Datum}}", in.Date.UTC().Format(time.DateOnly),
	)
	user := r.Replace(promptTemplate)

	if len(in.Facts) > 0 && string(in.Facts) != "null" {
		user += "\n\nAstrologische Fakten (JSON):\n" + string(in.Facts)
	}

	return Prompt{
		System: "You are Luraaya. Respond strictly in " + LanguageName(lang) + ".",
		User:   user,
	}
}
