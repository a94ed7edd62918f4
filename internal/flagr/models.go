package flagr

import "time"

// FlagrFlag represents the flag model returned by the Flagr API. Only the
// fields needed to derive a flag's boolean state are decoded.
type FlagrFlag struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description"`
	Enabled     bool      `json:"enabled"`
	Tags        []Tag     `json:"tags"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Tag represents a Flagr API tag
type Tag struct {
	Value string `json:"value"`
}

// TagValues returns the flag's tag values
func (f FlagrFlag) TagValues() []string {
	values := make([]string, 0, len(f.Tags))
	for _, t := range f.Tags {
		values = append(values, t.Value)
	}
	return values
}

// HealthResponse represents Flagr health-check API response
type HealthResponse struct {
	Status string `json:"status"`
}
