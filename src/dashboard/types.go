package dashboard

// Section is a column of the power flow chart
type Section int

const (
	SectionSources Section = iota
	SectionLoads
)

// TemplateType represents the type of template calculation
type TemplateType int

const (
	TemplateFormula TemplateType = iota
	TemplateTimestamp
)

// SensorTemplate defines a Home Assistant template sensor
type SensorTemplate struct {
	Name    string
	Type    TemplateType
	Formula string // Jinja expression, without the braces
}

// ShouldBe represents the comparison type for reconciliation
type ShouldBe int

const (
	ShouldBeEqual ShouldBe = iota
	ShouldBeEqualOrLess
	ShouldBeEqualOrMore
)

func (s ShouldBe) String() string {
	switch s {
	case ShouldBeEqualOrLess:
		return "equal_or_less"
	case ShouldBeEqualOrMore:
		return "equal_or_more"
	default:
		return "equal"
	}
}

func (s ShouldBe) MarshalYAML() (any, error) {
	return s.String(), nil
}

// ReconcileTo represents how to reconcile values
type ReconcileTo int

const (
	ReconcileToMin ReconcileTo = iota
	ReconcileToMax
	ReconcileToMean
	ReconcileToLatest
)

func (r ReconcileTo) String() string {
	switch r {
	case ReconcileToMax:
		return "max"
	case ReconcileToMean:
		return "mean"
	case ReconcileToLatest:
		return "latest"
	default:
		return "min"
	}
}

func (r ReconcileTo) MarshalYAML() (any, error) {
	return r.String(), nil
}

// Reconcile represents validation/correction rules
type Reconcile struct {
	ShouldBe    ShouldBe    `yaml:"should_be"`
	ReconcileTo ReconcileTo `yaml:"reconcile_to"`
}

// RemainderType represents the type of remainder calculation
type RemainderType int

const (
	RemainderParentState RemainderType = iota
	RemainderChildState
)

func (r RemainderType) String() string {
	if r == RemainderChildState {
		return "remaining_child_state"
	}
	return "remaining_parent_state"
}

// RemainderStrategy defines a calculated entity, e.g. grid import as
// whatever the house used that solar and the battery did not supply
type RemainderStrategy struct {
	Key         string
	Label       string
	Type        RemainderType
	ChildrenSum *Reconcile
	ParentsSum  *Reconcile
}

// Sensor represents a sensor entity in a group
type Sensor struct {
	Name  string
	Label string
}

// Group is a set of sensors in one section, flowing into the child groups
type Group struct {
	Name     string
	Section  Section
	Sensors  []Sensor
	Other    *RemainderStrategy
	Children []string
}

// Entities are the Home Assistant entity ids the dashboard displays
type Entities struct {
	SoC          string
	Solar        string
	BatteryPower string // positive while discharging
	Consumption  string
}

// Config holds everything needed to generate the dashboard
type Config struct {
	Title    string
	Entities Entities
	Sensors  []SensorTemplate
	Groups   []Group
}
