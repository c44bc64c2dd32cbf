package domain

// Mission is the durable unit of tracked email work. It owns its plan card,
// execution steps and audit log; nothing else mutates them.
type Mission struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Goal             string          `json:"goal"`
	Status           string          `json:"status" enum:"active,waiting_on_other,needs_user,done,archived"`
	Priority         string          `json:"priority" enum:"high,normal,low"`
	DueAt            *string         `json:"due_at,omitempty" format:"date-time"`
	NextAction       string          `json:"next_action,omitempty"`
	NextActionReason string          `json:"next_action_reason,omitempty"`
	LastActivityAt   string          `json:"last_activity_at" format:"date-time"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
	LinkedThreads    []ThreadLink    `json:"linked_threads,omitempty"`
	Participants     []Participant   `json:"participants,omitempty"`
	PlanCard         *PlanCard       `json:"plan_card,omitempty"`
	ExecutionSteps   []ExecutionStep `json:"execution_steps,omitempty"`
	Artifacts        []Artifact      `json:"artifacts,omitempty"`
}

// ThreadLink is the mission's weak reference to a thread: the id is kept for
// re-fetch, never an owning copy of the thread itself.
type ThreadLink struct {
	ThreadID string `json:"thread_id"`
	Reason   string `json:"reason,omitempty"`
}

// Participant is unique per mission by normalized email.
type Participant struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// MissionSummary is the goal-inbox list surface.
type MissionSummary struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	Priority         string `json:"priority"`
	NextAction       string `json:"next_action,omitempty"`
	NextActionReason string `json:"next_action_reason,omitempty"`
	LastActivityAt   string `json:"last_activity_at" format:"date-time"`
	ParticipantCount int    `json:"participant_count"`
	ThreadCount      int    `json:"thread_count"`
}

// ThreadSnapshot is a privacy-minimal, read-only view of one email thread.
// Immutable once built; rebuilt rather than mutated when the thread changes.
type ThreadSnapshot struct {
	ThreadID   string          `json:"thread_id"`
	MessageIDs []string        `json:"message_ids"`
	Messages   []ThreadMessage `json:"messages"`
	LatestID   string          `json:"latest_id,omitempty"`
	LatestDate string          `json:"latest_date,omitempty" format:"date-time"`
	RebuiltAt  string          `json:"rebuilt_at" format:"date-time"`
}

// ThreadMessage carries headers and a bounded excerpt, never the full body
// and never attachment contents.
type ThreadMessage struct {
	ID             string   `json:"id"`
	From           string   `json:"from"`
	To             []string `json:"to,omitempty"`
	CC             []string `json:"cc,omitempty"`
	Date           string   `json:"date" format:"date-time"`
	Subject        string   `json:"subject"`
	HasAttachments bool     `json:"has_attachments"`
	BodyExcerpt    string   `json:"body_excerpt"`
}

// StructuredIntent is the validated output of the intent classifier for one
// chat turn. Ephemeral: it only survives insofar as it seeds a mission or a
// plan card.
type StructuredIntent struct {
	IntentType             string           `json:"intent_type" enum:"create_mission,update_mission,ask_question,execute_action,multi_step_plan"`
	MissionProposal        *MissionProposal `json:"mission_proposal,omitempty"`
	RequiredClarifications []string         `json:"required_clarifications,omitempty"`
	ProposedActions        []string         `json:"proposed_actions,omitempty"`
	PlanCard               *PlanCard        `json:"plan_card,omitempty"`
}

type MissionProposal struct {
	Title            string        `json:"title"`
	Goal             string        `json:"goal"`
	LinkedThreads    []ThreadLink  `json:"linked_threads,omitempty"`
	Participants     []Participant `json:"participants,omitempty"`
	DueAt            *string       `json:"due_at,omitempty" format:"date-time"`
	NextAction       string        `json:"next_action,omitempty"`
	NextActionReason string        `json:"next_action_reason,omitempty"`
}

// PlanCard is the contract a human approves. Steps are the 2-5 display
// bullets; Actions carry the concrete tool invocations the steps describe.
type PlanCard struct {
	ID               string         `json:"id"`
	MissionID        string         `json:"mission_id,omitempty"`
	Goal             string         `json:"goal"`
	Steps            []string       `json:"steps"`
	Tools            []string       `json:"tools"`
	Actions          []PlanAction   `json:"actions,omitempty"`
	DraftPreview     *DraftPreview  `json:"draft_preview,omitempty"`
	InvitePreview    *InvitePreview `json:"invite_preview,omitempty"`
	RiskFlags        []string       `json:"risk_flags"`
	Status           string         `json:"status" enum:"pending,approved,rejected,executing,done,failed"`
	Confidence       float64        `json:"confidence" minimum:"0" maximum:"1"`
	Assumptions      []string       `json:"assumptions,omitempty"`
	QuestionsForUser []string       `json:"questions_for_user,omitempty"`
	AutoApprovable   bool           `json:"auto_approvable"`
	SupersededBy     *string        `json:"superseded_by,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

// PlanAction is one concrete tool invocation inside a plan. ArgsJSON is the
// opaque payload handed to tool dispatch and recorded verbatim in the audit
// log as the step's input.
type PlanAction struct {
	Description string `json:"description"`
	Tool        string `json:"tool"`
	ArgsJSON    string `json:"args_json,omitempty"`
}

type DraftPreview struct {
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type InvitePreview struct {
	Title     string   `json:"title"`
	Attendees []string `json:"attendees"`
	Slot      string   `json:"slot,omitempty" format:"date-time"`
	Duration  int      `json:"duration_minutes,omitempty"`
	Location  string   `json:"location,omitempty"`
	MeetLink  string   `json:"meet_link,omitempty"`
}

// ExecutionStep is one tool invocation of an approved plan, created pending
// in full at approval time. Status only moves forward.
type ExecutionStep struct {
	ID          string  `json:"id"`
	PlanCardID  string  `json:"plan_card_id"`
	Position    int     `json:"position"`
	Description string  `json:"description"`
	Tool        string  `json:"tool"`
	ArgsJSON    string  `json:"args_json,omitempty"`
	Status      string  `json:"status" enum:"pending,running,done,failed"`
	Result      *string `json:"result,omitempty"`
	Error       *string `json:"error,omitempty"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// AuditLogEntry is append-only. A mission's side-effect history is
// reconstructable from its audit log alone.
type AuditLogEntry struct {
	ID         int64  `json:"id"`
	MissionID  string `json:"mission_id"`
	TS         string `json:"ts" format:"date-time"`
	Action     string `json:"action"`
	TargetID   string `json:"target_id,omitempty"`
	InputJSON  string `json:"input_json,omitempty"`
	OutputJSON string `json:"output_json,omitempty"`
	ApprovedBy string `json:"approved_by" enum:"user,autopilot"`
}

// Artifact is a produced output: a draft, a sent message, a calendar event.
type Artifact struct {
	ID         string `json:"id"`
	MissionID  string `json:"mission_id"`
	PlanCardID string `json:"plan_card_id,omitempty"`
	Kind       string `json:"kind" enum:"draft,message,event"`
	RefID      string `json:"ref_id"`
	Label      string `json:"label,omitempty"`
	URL        string `json:"url,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// ExecutionResult summarizes one finished execution run.
type ExecutionResult struct {
	Success        bool        `json:"success"`
	Changes        []string    `json:"changes"`
	Artifacts      []Artifact  `json:"artifacts,omitempty"`
	NextMonitoring *Monitoring `json:"next_monitoring,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Monitoring is a data field for an external reminder collaborator; nothing
// in this subsystem schedules it.
type Monitoring struct {
	Description string `json:"description"`
	CheckAt     string `json:"check_at" format:"date-time"`
}

const (
	ApprovedByUser      = "user"
	ApprovedByAutopilot = "autopilot"
)

const (
	MissionActive         = "active"
	MissionWaitingOnOther = "waiting_on_other"
	MissionNeedsUser      = "needs_user"
	MissionDone           = "done"
	MissionArchived       = "archived"
)

const (
	CardPending   = "pending"
	CardApproved  = "approved"
	CardRejected  = "rejected"
	CardExecuting = "executing"
	CardDone      = "done"
	CardFailed    = "failed"
)

const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepFailed  = "failed"
)

// Risk flags. Deterministic signals, never model-derived.
const (
	RiskNewRecipient       = "new_recipient"
	RiskExternalDomain     = "external_domain"
	RiskMoneyLegal         = "money_legal"
	RiskAttachmentForward  = "attachment_forwarding"
	RiskLargeRecipientList = "large_recipient_list"
)

const (
	IntentCreateMission = "create_mission"
	IntentUpdateMission = "update_mission"
	IntentAskQuestion   = "ask_question"
	IntentExecuteAction = "execute_action"
	IntentMultiStepPlan = "multi_step_plan"
)
