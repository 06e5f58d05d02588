package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/spf13/cobra"

	"github.com/cleftcare/referralhub/internal/domain/referral"
)

var hospitals = []string{
	"โรงพยาบาลมหาราชนครเชียงใหม่",
	"โรงพยาบาลขอนแก่น",
	"โรงพยาบาลศรีนครินทร์",
	"โรงพยาบาลลำพูน",
	"โรงพยาบาลนครพิงค์",
}

var primaryCareUnits = []string{
	"รพ.สต.บ้านนา",
	"รพ.สต.หนองบัว",
	"รพ.สต.ดอนแก้ว",
	"รพ.สต.สันผักหวาน",
}

var acceptNotes = []string{"", "bed ready", "clinic slot booked", "surgery team informed"}

var rejectReasons = []string{"", "no surgeon available", "outside catchment area", "incomplete records"}

// paths gives the statuses a referral passes through after Pending to
// reach each canonical status.
var paths = map[referral.Status][]referral.Status{
	referral.StatusPending:        nil,
	referral.StatusReferred:       {referral.StatusReferred},
	referral.StatusAccepted:       {referral.StatusAccepted},
	referral.StatusWaitingReceive: {referral.StatusAccepted, referral.StatusWaitingReceive},
	referral.StatusWaiting:        {referral.StatusAccepted, referral.StatusWaiting},
	referral.StatusArrived:        {referral.StatusAccepted, referral.StatusArrived},
	referral.StatusNotTreated:     {referral.StatusAccepted, referral.StatusArrived, referral.StatusNotTreated},
	referral.StatusTreated:        {referral.StatusAccepted, referral.StatusArrived, referral.StatusTreated},
	referral.StatusCompleted:      {referral.StatusAccepted, referral.StatusArrived, referral.StatusTreated, referral.StatusCompleted},
	referral.StatusRejected:       {referral.StatusRejected},
	referral.StatusCancelled:      {referral.StatusCancelled},
	referral.StatusNoShow:         {referral.StatusAccepted, referral.StatusNoShow},
}

// generator builds plausible referral collections. The same seed always
// yields the same collection.
type generator struct {
	faker *gofakeit.Faker
	from  time.Time
	to    time.Time
}

func newGenerator(seed uint64, from, to time.Time) *generator {
	return &generator{faker: gofakeit.New(seed), from: from, to: to}
}

func (g *generator) pick(options []string) string {
	return options[g.faker.Number(0, len(options)-1)]
}

// referrals returns n referrals with ids R-00001 upwards.
func (g *generator) referrals(n int) []referral.Referral {
	out := make([]referral.Referral, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, g.referral(fmt.Sprintf("R-%05d", i)))
	}
	return out
}

func (g *generator) referral(id string) referral.Referral {
	direction := referral.DirectionReferOut
	if g.faker.Bool() {
		direction = referral.DirectionReferIn
	}

	origin := g.pick(hospitals)
	if g.faker.Number(1, 4) == 1 {
		origin = g.pick(primaryCareUnits)
	}
	destination := g.pick(hospitals)
	for destination == origin {
		destination = g.pick(hospitals)
	}

	urgency := []referral.Urgency{referral.UrgencyRoutine, referral.UrgencyUrgent, referral.UrgencyEmergency}[g.faker.Number(0, 2)]
	requestedAt := g.faker.DateRange(g.from, g.to).Truncate(time.Minute)
	actor := g.faker.Username()

	r := referral.NewReferral(referral.Referral{
		ID:                  id,
		Number:              g.faker.Numerify("CL-######"),
		Direction:           direction,
		PatientName:         g.faker.Name(),
		PatientHN:           g.faker.Numerify("HN#######"),
		OriginHospital:      origin,
		DestinationHospital: destination,
		Urgency:             urgency,
		RequestedAt:         requestedAt,
	}, requestedAt, actor)

	target := referral.CanonicalStatuses[g.faker.Number(0, len(referral.CanonicalStatuses)-1)]
	at := requestedAt
	for _, s := range paths[target] {
		at = at.Add(time.Duration(g.faker.Number(30, 72*60)) * time.Minute)
		description := string(s)
		switch s {
		case referral.StatusAccepted:
			note := g.pick(acceptNotes)
			accepted := at
			r.AcceptedAt = &accepted
			r.AcceptedReason = note
			if note != "" {
				description = note
			}
		case referral.StatusRejected:
			r.RejectedReason = g.pick(rejectReasons)
			if r.RejectedReason == "" {
				r.RejectedReason = referral.NoReasonGiven
			}
			description = r.RejectedReason
		}
		r.Status = s
		r.AuditLog = append(r.AuditLog, referral.AuditEntry{
			Status:      s,
			Timestamp:   at,
			Description: description,
			Actor:       g.faker.Username(),
		})
	}

	// Older provider exports carry no creator role; ingestion infers it.
	if g.faker.Number(1, 5) == 1 {
		r.CreatorRole = ""
	}
	return r
}

func seedCmd() *cobra.Command {
	var (
		count int
		seed  uint64
		days  int
		out   string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate a referral collection as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 0 {
				return fmt.Errorf("count must not be negative")
			}
			to := time.Now().UTC().Truncate(time.Minute)
			from := to.AddDate(0, 0, -days)
			refs := newGenerator(seed, from, to).referrals(count)

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return writeJSON(w, refs)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 50, "number of referrals")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().IntVar(&days, "days", 30, "spread request times over this many past days")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
