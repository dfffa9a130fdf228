package dashboard

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type templateSensor struct {
	Name              string `yaml:"name"`
	UniqueID          string `yaml:"unique_id"`
	DeviceClass       string `yaml:"device_class"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	State             string `yaml:"state"`
}

// GenerateTemplatesYAML generates the Home Assistant template sensors YAML
func GenerateTemplatesYAML(cfg Config) (string, error) {
	sensors := make([]templateSensor, 0, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		ts := templateSensor{
			Name:     s.Name,
			UniqueID: s.Name,
			State:    fmt.Sprintf("{{ %s }}", s.Formula),
		}
		switch s.Type {
		case TemplateFormula:
			ts.DeviceClass = "power"
			ts.UnitOfMeasurement = "W"
		case TemplateTimestamp:
			ts.DeviceClass = "timestamp"
		}
		sensors = append(sensors, ts)
	}
	return marshal(sensors)
}

type tapAction struct {
	Action        string            `yaml:"action"`
	PerformAction string            `yaml:"perform_action,omitempty"`
	Target        map[string]string `yaml:"target,omitempty"`
}

type card struct {
	Type      string     `yaml:"type"`
	Title     string     `yaml:"title,omitempty"`
	Entity    string     `yaml:"entity,omitempty"`
	Name      string     `yaml:"name,omitempty"`
	Icon      string     `yaml:"icon,omitempty"`
	Entities  []string   `yaml:"entities,omitempty"`
	Cards     []card     `yaml:"cards,omitempty"`
	Content   string     `yaml:"content,omitempty"`
	TapAction *tapAction `yaml:"tap_action,omitempty"`
}

type sankeyEntity struct {
	Type        string     `yaml:"type"`
	EntityID    string     `yaml:"entity_id"`
	Name        string     `yaml:"name,omitempty"`
	ChildrenSum *Reconcile `yaml:"children_sum,omitempty"`
	ParentsSum  *Reconcile `yaml:"parents_sum,omitempty"`
	Children    []string   `yaml:"children,omitempty"`
}

type sankeySection struct {
	SortGroupByParent bool           `yaml:"sort_group_by_parent"`
	Entities          []sankeyEntity `yaml:"entities"`
}

type sankeyCard struct {
	Type           string          `yaml:"type"`
	Sections       []sankeySection `yaml:"sections"`
	MinState       int             `yaml:"min_state"`
	ShowNames      bool            `yaml:"show_names"`
	ShowStates     bool            `yaml:"show_states"`
	ShowUnits      bool            `yaml:"show_units"`
	SortBy         string          `yaml:"sort_by"`
	Throttle       int             `yaml:"throttle"`
	Layout         string          `yaml:"layout"`
	Height         int             `yaml:"height"`
	UnitPrefix     string          `yaml:"unit_prefix"`
	Round          int             `yaml:"round"`
	ConvertUnitsTo string          `yaml:"convert_units_to"`
	MinBoxSize     int             `yaml:"min_box_size"`
	MinBoxDistance int             `yaml:"min_box_distance"`
}

type view struct {
	Title string `yaml:"title"`
	Path  string `yaml:"path"`
	Cards []any  `yaml:"cards"`
}

type lovelace struct {
	Title string `yaml:"title"`
	Views []view `yaml:"views"`
}

const scheduleMarkdown = `| Time | Action | Price | SoC |
|---|---|---|---|
{%- for e in state_attr('` + ScheduleSensor + `', 'schedule') or [] if not e.past %}
| {{ as_timestamp(e.start) | timestamp_custom('%a %H:%M') }} | {{ e.action }}{% if e.window %} ({{ e.window }}){% endif %} | {{ e.price }} | {{ e.estimated_soc | round(0) }}% |
{%- endfor %}`

// GenerateDashboardYAML generates the Lovelace dashboard YAML
func GenerateDashboardYAML(cfg Config) (string, error) {
	controls := card{
		Type:     "entities",
		Title:    "Dispatch",
		Entities: []string{ScheduleSensor, SelfUsageSensor},
	}
	if cfg.Entities.SoC != "" {
		controls.Entities = append(controls.Entities, cfg.Entities.SoC)
	}
	for _, key := range switchKeys {
		controls.Entities = append(controls.Entities, "switch.dispatchctl_"+key)
	}
	for _, key := range numberKeys {
		controls.Entities = append(controls.Entities, "number.dispatchctl_"+key)
	}

	buttons := card{Type: "horizontal-stack"}
	for _, key := range buttonKeys {
		entity := "button.dispatchctl_" + key
		buttons.Cards = append(buttons.Cards, card{
			Type:   "button",
			Entity: entity,
			Icon:   buttonIcons[key],
			TapAction: &tapAction{
				Action:        "perform-action",
				PerformAction: "button.press",
				Target:        map[string]string{"entity_id": entity},
			},
		})
	}

	upcoming := card{
		Type:     "entities",
		Title:    "Upcoming",
		Entities: []string{"sensor.dispatchctl_next_charge", "sensor.dispatchctl_next_discharge"},
	}

	schedule := card{Type: "markdown", Title: "Schedule", Content: scheduleMarkdown}

	cards := []any{controls, buttons, upcoming, schedule}
	if cfg.Entities.Solar != "" && cfg.Entities.Consumption != "" && cfg.Entities.BatteryPower != "" {
		cards = append(cards, powerFlowCard(cfg))
	}

	return marshal(lovelace{
		Title: cfg.Title,
		Views: []view{{Title: "Battery", Path: "battery", Cards: cards}},
	})
}

// powerFlowCard builds the sankey chart from the groups, one column per section
func powerFlowCard(cfg Config) sankeyCard {
	c := sankeyCard{
		Type:           "custom:sankey-chart",
		MinState:       10,
		ShowNames:      true,
		ShowStates:     true,
		ShowUnits:      true,
		SortBy:         "state",
		Throttle:       5000,
		Layout:         "horizontal",
		Height:         200,
		UnitPrefix:     "",
		Round:          0,
		ConvertUnitsTo: "W",
		MinBoxSize:     10,
		MinBoxDistance: 3,
	}

	for section := SectionSources; section <= SectionLoads; section++ {
		s := sankeySection{SortGroupByParent: true}
		for _, group := range cfg.Groups {
			if group.Section != section {
				continue
			}
			children := childEntities(cfg, group.Children)
			for _, sensor := range group.Sensors {
				s.Entities = append(s.Entities, sankeyEntity{
					Type:     "entity",
					EntityID: sensor.Name,
					Name:     sensor.Label,
					Children: children,
				})
			}
			if group.Other != nil {
				s.Entities = append(s.Entities, sankeyEntity{
					Type:        group.Other.Type.String(),
					EntityID:    group.Other.Key,
					Name:        group.Other.Label,
					ChildrenSum: group.Other.ChildrenSum,
					ParentsSum:  group.Other.ParentsSum,
					Children:    children,
				})
			}
		}
		c.Sections = append(c.Sections, s)
	}
	return c
}

// childEntities resolves child group names to their entity ids
func childEntities(cfg Config, childNames []string) []string {
	var out []string
	for _, childName := range childNames {
		for _, child := range cfg.Groups {
			if child.Name != childName {
				continue
			}
			for _, sensor := range child.Sensors {
				out = append(out, sensor.Name)
			}
			if child.Other != nil {
				out = append(out, child.Other.Key)
			}
			break
		}
	}
	return out
}

func marshal(v any) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding dashboard yaml: %w", err)
	}
	return string(out), nil
}
