package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/domain/referral"
	"github.com/cleftcare/referralhub/internal/infrastructure/redpanda"
)

const dateLayout = "2006-01-02"

// filterFlags holds the query flags shared by query and summary.
type filterFlags struct {
	file        string
	text        string
	status      string
	scope       string
	history     string
	role        string
	origin      string
	destination string
	date        string
	from        string
	to          string
	tz          string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "referral JSON file (default $SEED_FILE)")
	cmd.Flags().StringVarP(&f.text, "query", "q", "", "free text matched against patient name, HN and number")
	cmd.Flags().StringVar(&f.status, "status", "", "status filter, or All")
	cmd.Flags().StringVar(&f.scope, "scope", "", "Refer Out, Refer In, History or All")
	cmd.Flags().StringVar(&f.history, "history", "", "narrow History to one direction")
	cmd.Flags().StringVar(&f.role, "role", "", "viewer role: CM, Hospital, PCU, Regional or Patient")
	cmd.Flags().StringVar(&f.origin, "origin", "", "origin hospital")
	cmd.Flags().StringVar(&f.destination, "destination", "", "destination hospital")
	cmd.Flags().StringVar(&f.date, "date", "", "request day, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.from, "from", "", "first request day, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.to, "to", "", "last request day, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.tz, "tz", "", "time zone for calendar days (default $TIME_ZONE)")
}

// build turns the flags into a filter. loc is used when --tz is not given.
func (f *filterFlags) build(loc *time.Location) (referral.FilterSpec, error) {
	if f.tz != "" {
		l, err := time.LoadLocation(f.tz)
		if err != nil {
			return referral.FilterSpec{}, fmt.Errorf("invalid --tz: %w", err)
		}
		loc = l
	}

	fs := referral.FilterSpec{
		FreeText:            f.text,
		OriginHospital:      f.origin,
		DestinationHospital: f.destination,
		Location:            loc,
	}
	if f.status != "" {
		if s := referral.Status(f.status); s.IsAll() {
			fs.Status = referral.StatusAll
		} else {
			fs.Status = referral.Normalize(f.status)
		}
	}

	var err error
	if fs.Scope, err = referral.ParseScope(f.scope); err != nil {
		return fs, err
	}
	if f.history != "" {
		if fs.HistorySubType, err = referral.ParseDirection(f.history); err != nil {
			return fs, err
		}
	}
	if fs.Role, err = referral.ParseRole(f.role); err != nil {
		return fs, err
	}
	for _, d := range []struct {
		raw string
		dst *time.Time
	}{{f.date, &fs.Date}, {f.from, &fs.DateFrom}, {f.to, &fs.DateTo}} {
		if d.raw == "" {
			continue
		}
		t, err := time.ParseInLocation(dateLayout, d.raw, loc)
		if err != nil {
			return fs, fmt.Errorf("invalid date %q, want YYYY-MM-DD", d.raw)
		}
		*d.dst = t
	}
	return fs, nil
}

// load reads the referral file through the ingestion rules and returns a
// service over it.
func (f *filterFlags) load(seedFile string, logger *zap.Logger) (*referral.Service, error) {
	path := f.file
	if path == "" {
		path = seedFile
	}
	if path == "" {
		return nil, fmt.Errorf("no referral file: pass --file or set SEED_FILE")
	}
	refs, warnings, err := referral.LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn("ingest", zap.String("warning", w))
	}
	return referral.NewService(referral.NewMemoryStore(refs...), referral.WithLogger(logger)), nil
}

func queryCmd() *cobra.Command {
	var (
		flags  filterFlags
		sortBy string
		asJSON bool
		byDay  bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List the referrals matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			fs, err := flags.build(cfg.TimeZone)
			if err != nil {
				return err
			}
			svc, err := flags.load(cfg.SeedFile, logger)
			if err != nil {
				return err
			}
			refs, err := svc.Query(cmd.Context(), fs)
			if err != nil {
				return err
			}

			switch sortBy {
			case "":
			case "time":
				referral.SortByTimeOfDay(refs, fs.Location)
			case "newest":
				referral.SortByRequestedAt(refs, true)
			case "oldest":
				referral.SortByRequestedAt(refs, false)
			default:
				return fmt.Errorf("invalid --sort %q", sortBy)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if byDay {
					return writeJSON(out, referral.GroupByDay(refs, fs.Location))
				}
				return writeJSON(out, refs)
			}
			if byDay {
				for _, g := range referral.GroupByDay(refs, fs.Location) {
					fmt.Fprintf(out, "%s (%d)\n", g.Day.Format(dateLayout), len(g.Referrals))
					if err := writeTable(out, g.Referrals, fs.Location); err != nil {
						return err
					}
				}
				return nil
			}
			return writeTable(out, refs, fs.Location)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&sortBy, "sort", "", "time, newest or oldest")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&byDay, "group-by-day", false, "group by request day, latest first")
	return cmd
}

func writeTable(w io.Writer, refs []referral.Referral, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNUMBER\tDIRECTION\tSTATUS\tSTAGE\tURGENCY\tREQUESTED\tORIGIN\tDESTINATION")
	for _, r := range refs {
		c := r.Classification()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Number, r.Direction, r.Status, c.Stage, r.Urgency,
			r.RequestedAt.In(loc).Format("2006-01-02 15:04"),
			referral.DisplayHospitalName(r.OriginHospital),
			referral.DisplayHospitalName(r.DestinationHospital))
	}
	return tw.Flush()
}

func summaryCmd() *cobra.Command {
	var flags filterFlags

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print dashboard counters for the referrals matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			fs, err := flags.build(cfg.TimeZone)
			if err != nil {
				return err
			}
			svc, err := flags.load(cfg.SeedFile, logger)
			if err != nil {
				return err
			}
			summary, err := svc.Summary(cmd.Context(), fs)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}

	flags.register(cmd)
	return cmd
}

func topicsCmd() *cobra.Command {
	var (
		list bool
		lag  string
	)

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Create the referral topics in Redpanda",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if len(cfg.KafkaBrokers) == 0 {
				return fmt.Errorf("KAFKA_BROKERS is not set")
			}
			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := admin.EnsureTopics(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if list {
				topics, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, t := range topics {
					fmt.Fprintln(out, t)
				}
			}
			if lag != "" {
				byTopic, err := admin.GroupLag(ctx, lag)
				if err != nil {
					return err
				}
				return writeJSON(out, byTopic)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list topics afterwards")
	cmd.Flags().StringVar(&lag, "lag", "", "print the unconsumed record count per topic for this consumer group")
	return cmd
}
