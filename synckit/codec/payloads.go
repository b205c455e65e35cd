package codec

// Entity types with a known shape.
const (
	KindTask         = "task"
	KindBuilding     = "building"
	KindWorkerStatus = "worker_status"
)

// Task is a compliance task assigned within a building.
type Task struct {
	Title      string `json:"title"`
	Status     string `json:"status"`
	BuildingID string `json:"building_id"`
	AssigneeID string `json:"assignee_id,omitempty"`
	DueAt      int64  `json:"due_at,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (*Task) EntityType() string { return KindTask }
func (*Task) isPayload()         {}

// Building is a facility record.
type Building struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	Compliance string `json:"compliance,omitempty"`
	Floors     int    `json:"floors,omitempty"`
}

func (*Building) EntityType() string { return KindBuilding }
func (*Building) isPayload()         {}

// WorkerStatus is a worker's current clock-in state.
type WorkerStatus struct {
	WorkerID   string `json:"worker_id"`
	State      string `json:"state"`
	BuildingID string `json:"building_id,omitempty"`
	UpdatedAt  int64  `json:"updated_at,omitempty"`
}

func (*WorkerStatus) EntityType() string { return KindWorkerStatus }
func (*WorkerStatus) isPayload()         {}

// Dynamic carries a payload whose schema is not known ahead of time.
type Dynamic struct {
	Type   string
	Fields map[string]any
}

func (d *Dynamic) EntityType() string { return d.Type }
func (*Dynamic) isPayload()           {}
