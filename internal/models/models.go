package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// Status is the server-side lifecycle status of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusAccepted  Status = "accepted"
	StatusEnRoute   Status = "en_route"
	StatusArrived   Status = "arrived"
	StatusStarted   Status = "started" // in progress
	StatusCompleted Status = "completed"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
)

type Job struct {
	ID             string   `json:"id"`
	CustomerID     string   `json:"customer_id,omitempty"`
	DriverID       string   `json:"driver_id,omitempty"`
	Status         Status   `json:"status"`
	Address        string   `json:"address"`
	Lat            *float64 `json:"lat,omitempty"`
	Lng            *float64 `json:"lng,omitempty"`
	Items          []string `json:"items,omitempty"`
	VolumeEstimate *float64 `json:"volume_estimate,omitempty"`
	BeforePhotos   []string `json:"before_photos,omitempty"`
	AfterPhotos    []string `json:"after_photos,omitempty"`
	TotalPrice     float64  `json:"total_price"`
	DistanceKm     *float64 `json:"distance_km,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	ScheduledAt    string   `json:"scheduled_at,omitempty"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
}

// Location returns the job's geocoordinate when the server supplied one.
func (j Job) Location() (Coord, bool) {
	if j.Lat == nil || j.Lng == nil {
		return Coord{}, false
	}
	return Coord{Lat: *j.Lat, Lon: *j.Lng}, true
}

// Offer is a job presented to the driver with an accept deadline.
type Offer struct {
	Job       Job       `json:"job"`
	Direct    bool      `json:"direct"` // already assigned to this driver
	Deadline  time.Time `json:"deadline"`
	Remaining int       `json:"remaining_seconds"`
}

type LocationSample struct {
	Coord
	Timestamp time.Time `json:"timestamp"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"` // m/s
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Profile is the contractor profile held by the server.
type Profile struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	IsOnline       bool           `json:"is_online"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	TruckType      string         `json:"truck_type,omitempty"`
	AvgRating      float64        `json:"avg_rating"`
	TotalJobs      int            `json:"total_jobs"`
}

func (p Profile) Approved() bool { return p.ApprovalStatus == ApprovalApproved }

type ProposalState string

const (
	ProposalSubmitted        ProposalState = "submitted"
	ProposalAutoApproved     ProposalState = "auto_approved"
	ProposalAwaitingApproval ProposalState = "awaiting_approval"
	ProposalApproved         ProposalState = "approved"
	ProposalDeclined         ProposalState = "declined"
)

// VolumeQuote is the server's answer to a volume adjustment.
type VolumeQuote struct {
	NewPrice      float64 `json:"new_price"`
	OriginalPrice float64 `json:"original_price"`
	AutoApproved  bool    `json:"auto_approved"`
}

type VolumeProposal struct {
	JobID         string        `json:"job_id"`
	ActualVolume  float64       `json:"actual_volume"`
	NewPrice      float64       `json:"new_price"`
	OriginalPrice float64       `json:"original_price"`
	State         ProposalState `json:"state"`
	TripFee       *float64      `json:"trip_fee,omitempty"`
	TimedOut      bool          `json:"timed_out,omitempty"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	ResolvedAt    time.Time     `json:"resolved_at,omitempty"`
}

// Open reports whether the proposal still blocks a new submission.
func (p VolumeProposal) Open() bool {
	return p.State == ProposalSubmitted || p.State == ProposalAwaitingApproval
}

// StatusUpdate is the body of a lifecycle status change.
type StatusUpdate struct {
	Status       Status   `json:"status"`
	BeforePhotos []string `json:"before_photos,omitempty"`
	AfterPhotos  []string `json:"after_photos,omitempty"`
}

// TransitionRecord is one confirmed lifecycle change.
type TransitionRecord struct {
	JobID     string
	From      Status
	To        Status
	Requested Status
	At        time.Time
}
