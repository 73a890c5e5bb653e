// Package campaign holds the onboarding message sequence: an ordered,
// immutable list of stages, each with a delay offset from subscription time
// and an optional media/button payload.
package campaign

import (
	"fmt"
	"time"

	"github.com/Orloff-Star/bot-curses/internal/transport"
)

// Stage is one message of the sequence. The zero-based index of a stage is
// its position in the campaign; stage 0 must have a zero delay and is always
// delivered synchronously at subscription time, never through the scheduler.
type Stage struct {
	DelayMinutes int    `json:"delay_minutes"`
	Text         string `json:"text"`
	Media        string `json:"media,omitempty"` // "", "photo" or "video"
	MediaURL     string `json:"media_url,omitempty"`
	ButtonText   string `json:"button_text,omitempty"`
	ButtonURL    string `json:"button_url,omitempty"`
}

func (st Stage) Delay() time.Duration {
	return time.Duration(st.DelayMinutes) * time.Minute
}

func (st Stage) Payload() transport.Payload {
	p := transport.Payload{
		Text:     st.Text,
		Media:    transport.MediaKind(st.Media),
		MediaURL: st.MediaURL,
	}
	if st.ButtonText != "" && st.ButtonURL != "" {
		p.Button = &transport.Button{Label: st.ButtonText, URL: st.ButtonURL}
	}
	return p
}

// Campaign is the validated, immutable stage list.
type Campaign struct {
	stages []Stage
}

// New validates stages and returns a campaign. The slice is copied; later
// mutation of the argument does not affect the campaign.
func New(stages []Stage) (Campaign, error) {
	if err := validate(stages); err != nil {
		return Campaign{}, err
	}
	cp := make([]Stage, len(stages))
	copy(cp, stages)
	return Campaign{stages: cp}, nil
}

func (c Campaign) Len() int { return len(c.stages) }

// Stage returns the stage at index i, or ok=false when i is out of range
// (for example after the configured campaign shrank under existing rows).
func (c Campaign) Stage(i int) (Stage, bool) {
	if i < 0 || i >= len(c.stages) {
		return Stage{}, false
	}
	return c.stages[i], true
}

func validate(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("campaign: at least one stage is required")
	}
	if stages[0].DelayMinutes != 0 {
		return fmt.Errorf("campaign: stage 0 must have delay 0, got %d minutes", stages[0].DelayMinutes)
	}
	for i, st := range stages {
		if st.DelayMinutes < 0 {
			return fmt.Errorf("campaign: stage %d: negative delay", i)
		}
		if st.Text == "" {
			return fmt.Errorf("campaign: stage %d: text is required", i)
		}
		switch transport.MediaKind(st.Media) {
		case transport.MediaNone, transport.MediaPhoto, transport.MediaVideo:
		default:
			return fmt.Errorf("campaign: stage %d: unknown media kind %q", i, st.Media)
		}
		if st.Media != "" && st.MediaURL == "" {
			return fmt.Errorf("campaign: stage %d: media %q without media_url", i, st.Media)
		}
		if st.Media == "" && st.MediaURL != "" {
			return fmt.Errorf("campaign: stage %d: media_url without media kind", i)
		}
		if (st.ButtonText == "") != (st.ButtonURL == "") {
			return fmt.Errorf("campaign: stage %d: button_text and button_url must be set together", i)
		}
	}
	return nil
}

// Default is the built-in course-recommendation sequence used when the
// config does not override the campaign.
func Default() Campaign {
	c, err := New([]Stage{
		{
			DelayMinutes: 0,
			Text:         "👋 Welcome to IT Courses Bot!\n\nI will send you the best programming and AI courses. Stay tuned! 🚀",
		},
		{
			DelayMinutes: 1,
			Text:         "📚 First recommendation!\n\n'Python for Beginners' is the perfect start into programming.\nLearn the basics in two weeks!",
			Media:        "photo",
			MediaURL:     "https://picsum.photos/400/300?random=1",
			ButtonText:   "View course",
			ButtonURL:    "https://example.com/python-course",
		},
		{
			DelayMinutes: 2,
			Text:         "🤖 Second recommendation!\n\n'Machine Learning with Python' — become an AI specialist!\nHands-on projects and mentor support.",
			Media:        "photo",
			MediaURL:     "https://picsum.photos/400/300?random=2",
			ButtonText:   "Learn more",
			ButtonURL:    "https://example.com/ml-course",
		},
		{
			DelayMinutes: 5,
			Text:         "🚀 Special offer!\n\nGet 20% off all our courses with promo code WELCOME20!\nDon't miss your chance to start a career in IT!",
			Media:        "photo",
			MediaURL:     "https://picsum.photos/400/300?random=3",
			ButtonText:   "Get the discount",
			ButtonURL:    "https://example.com/special-offer",
		},
	})
	if err != nil {
		// The built-in sequence is covered by tests; this cannot happen at runtime.
		panic(err)
	}
	return c
}
