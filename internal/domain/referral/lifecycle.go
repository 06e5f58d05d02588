package referral

// Bucket separates statuses that still require action from resolved ones.
type Bucket string

const (
	BucketActive   Bucket = "active"
	BucketTerminal Bucket = "terminal"
)

// Stage is the coarse progress group shown on dashboards.
type Stage string

const (
	StageAwaitingAcceptance Stage = "awaiting_acceptance"
	StageAwaitingTransfer   Stage = "awaiting_transfer"
	StageInCare             Stage = "in_care"
	StageDone               Stage = "done"
)

// Classification is the lifecycle view of a status.
type Classification struct {
	Bucket Bucket `json:"bucket"`
	Stage  Stage  `json:"stage"`
	Label  string `json:"label"`
	Color  string `json:"color"`
}

// IsTerminal reports whether the classification is in the terminal bucket.
func (c Classification) IsTerminal() bool { return c.Bucket == BucketTerminal }

var classifications = map[Status]Classification{
	StatusPending:        {BucketActive, StageAwaitingAcceptance, "awaiting response", "yellow"},
	StatusReferred:       {BucketActive, StageAwaitingAcceptance, "referred", "yellow"},
	StatusWaitingReceive: {BucketActive, StageAwaitingAcceptance, "awaiting receipt", "orange"},
	StatusAccepted:       {BucketActive, StageAwaitingTransfer, "awaiting transfer", "blue"},
	StatusWaiting:        {BucketActive, StageAwaitingTransfer, "waiting", "blue"},
	StatusArrived:        {BucketActive, StageInCare, "arrived", "teal"},
	StatusNotTreated:     {BucketActive, StageInCare, "not yet treated", "purple"},
	StatusTreated:        {BucketTerminal, StageDone, "treated", "green"},
	StatusCompleted:      {BucketTerminal, StageDone, "completed", "green"},
	StatusRejected:       {BucketTerminal, StageDone, "rejected", "red"},
	StatusCancelled:      {BucketTerminal, StageDone, "cancelled", "gray"},
	StatusNoShow:         {BucketTerminal, StageDone, "no show", "gray"},
}

// Classify returns the bucket, stage and badge for a status.
//
// Unrecognized statuses are classified as active: a referral whose status
// cannot be read is surfaced in operational queues rather than hidden. The
// label echoes the raw value so it can still be displayed and flagged.
func Classify(s Status) Classification {
	if c, ok := classifications[Normalize(string(s))]; ok {
		return c
	}
	label := string(s)
	if label == "" {
		label = "unknown"
	}
	return Classification{
		Bucket: BucketActive,
		Stage:  StageAwaitingAcceptance,
		Label:  label,
		Color:  "gray",
	}
}

// IsActive reports whether s belongs to the active bucket.
func (s Status) IsActive() bool { return Classify(s).Bucket == BucketActive }

// IsTerminal reports whether s belongs to the terminal bucket.
func (s Status) IsTerminal() bool { return Classify(s).Bucket == BucketTerminal }
