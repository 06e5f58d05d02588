package referral

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ImportActor is recorded on audit entries synthesized during ingestion.
const ImportActor = "system:import"

// Decode reads a JSON array of referrals and brings every record into
// canonical form. Records without an ID or direction are skipped and
// reported as warnings, as are duplicate IDs after the first.
func Decode(r io.Reader) ([]Referral, []string, error) {
	var raw []Referral
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("decode referrals: %w", err)
	}

	var (
		out      = make([]Referral, 0, len(raw))
		warnings []string
		seen     = make(map[string]bool, len(raw))
	)
	for i, rec := range raw {
		switch {
		case rec.ID == "":
			warnings = append(warnings, fmt.Sprintf("record %d: missing id, skipped", i))
			continue
		case rec.Direction == "":
			warnings = append(warnings, fmt.Sprintf("referral %s: missing direction, skipped", rec.ID))
			continue
		case seen[rec.ID]:
			warnings = append(warnings, fmt.Sprintf("referral %s: duplicate id, skipped", rec.ID))
			continue
		}
		seen[rec.ID] = true

		canonical, w := Ingest(rec, ImportActor)
		warnings = append(warnings, w...)
		out = append(out, canonical)
	}
	return out, warnings, nil
}

// LoadFile decodes the referral collection stored at path.
func LoadFile(path string) ([]Referral, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
