package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kbrandt/vigor/internal/store"
)

// ProfileReader is the slice of the store that the profile tool needs.
type ProfileReader interface {
	GetProfile(ctx context.Context, userID int64) (*store.Profile, error)
}

// RecordReader is the slice of the store that the fitness-records tool needs.
type RecordReader interface {
	QueryRecords(ctx context.Context, userID int64, startDate, endDate string) ([]store.FitnessRecord, error)
}

// Param describes one parameter of a tool.
type Param struct {
	Type        string
	Description string
	Required    bool
}

// Handler executes a tool call for a given user. The returned string is fed
// back to the model verbatim as the tool result.
type Handler func(ctx context.Context, userID int64, args map[string]any) (string, error)

// Tool is a callable capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	Params      map[string]Param
	Handler     Handler
}

// Registry holds the tools available to the agent. The set is fixed at
// construction time and safe for concurrent use.
type Registry struct {
	tools map[string]*Tool
	order []string
	log   *slog.Logger

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used by the current_date tool.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a registry with the built-in fitness tools wired to the
// given providers.
func NewRegistry(profiles ProfileReader, records RecordReader, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools: make(map[string]*Tool),
		log:   logger,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.register(&Tool{
		Name:        "current_date",
		Description: "Get today's date. Use this before querying records for relative ranges like 'this week' or 'last month'.",
		Params:      map[string]Param{},
		Handler: func(ctx context.Context, userID int64, args map[string]any) (string, error) {
			d := r.now()
			return fmt.Sprintf("Today is %s (%s).", d.Format("2006-01-02"), d.Weekday()), nil
		},
	})

	r.register(&Tool{
		Name:        "fitness_records",
		Description: "Look up the user's workout records, optionally restricted to a date range. Returns the most recent records first.",
		Params: map[string]Param{
			"start_date": {Type: "string", Description: "Earliest date to include, formatted YYYY-MM-DD. Omit for no lower bound."},
			"end_date":   {Type: "string", Description: "Latest date to include, formatted YYYY-MM-DD. Omit for no upper bound."},
		},
		Handler: func(ctx context.Context, userID int64, args map[string]any) (string, error) {
			start, _ := args["start_date"].(string)
			end, _ := args["end_date"].(string)
			recs, err := records.QueryRecords(ctx, userID, start, end)
			if err != nil {
				return "", fmt.Errorf("query records: %w", err)
			}
			return renderRecords(recs), nil
		},
	})

	r.register(&Tool{
		Name:        "user_profile",
		Description: "Look up the user's profile: birth date, height and weight.",
		Params:      map[string]Param{},
		Handler: func(ctx context.Context, userID int64, args map[string]any) (string, error) {
			p, err := profiles.GetProfile(ctx, userID)
			if err != nil {
				return "", fmt.Errorf("get profile: %w", err)
			}
			return renderProfile(p), nil
		},
	})

	return r
}

func (r *Registry) register(t *Tool) {
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs renders the tool catalogue in the wire format the model expects.
// The order is stable across calls.
func (r *Registry) Specs() []map[string]any {
	specs := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		props := make(map[string]any, len(t.Params))
		var required []string
		for pname, p := range t.Params {
			props[pname] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, pname)
			}
		}
		params := map[string]any{
			"type":       "object",
			"properties": props,
		}
		if len(required) > 0 {
			params["required"] = required
		}
		specs = append(specs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return specs
}

// Execute runs the named tool for the given user. Unknown names and schema
// violations return typed errors that the caller can surface to the model.
func (r *Registry) Execute(ctx context.Context, userID int64, name string, args map[string]any) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", &UnknownToolError{ToolName: name}
	}
	if err := validateArgs(t, args); err != nil {
		return "", err
	}
	r.log.Debug("executing tool", "tool", name, "user_id", userID)
	return t.Handler(ctx, userID, args)
}

// validateArgs checks required parameters and declared types. Arguments the
// schema does not mention are passed through untouched.
func validateArgs(t *Tool, args map[string]any) error {
	for pname, p := range t.Params {
		v, present := args[pname]
		if !present {
			if p.Required {
				return &InvalidArgumentsError{ToolName: t.Name, Reason: fmt.Sprintf("missing required parameter %q", pname)}
			}
			continue
		}
		if p.Type == "string" {
			if _, ok := v.(string); !ok {
				return &InvalidArgumentsError{ToolName: t.Name, Reason: fmt.Sprintf("parameter %q must be a string", pname)}
			}
		}
	}
	return nil
}

func renderRecords(recs []store.FitnessRecord) string {
	if len(recs) == 0 {
		return "No workout records found for that period."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d workout record(s), newest first:\n", len(recs))
	for _, rec := range recs {
		fmt.Fprintf(&b, "- %s", rec.Date)
		if rec.Part != "" {
			fmt.Fprintf(&b, " [%s]", rec.Part)
		}
		fmt.Fprintf(&b, " %s", rec.Exercise)
		if rec.Sets != nil && rec.Reps != nil {
			fmt.Fprintf(&b, ": %d sets x %d reps", *rec.Sets, *rec.Reps)
		} else if rec.Sets != nil {
			fmt.Fprintf(&b, ": %d sets", *rec.Sets)
		}
		if rec.Distance != nil {
			fmt.Fprintf(&b, ", %.2f km", *rec.Distance)
		}
		if d := formatDuration(rec.Minutes, rec.Seconds); d != "" {
			fmt.Fprintf(&b, ", %s", d)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatDuration(minutes, seconds *int) string {
	if minutes == nil && seconds == nil {
		return ""
	}
	var m, s int
	if minutes != nil {
		m = *minutes
	}
	if seconds != nil {
		s = *seconds
	}
	if s > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%dm", m)
}

func renderProfile(p *store.Profile) string {
	var b strings.Builder
	b.WriteString("User profile:\n")
	if p.BirthDate != nil && *p.BirthDate != "" {
		fmt.Fprintf(&b, "- birth date: %s\n", *p.BirthDate)
	} else {
		b.WriteString("- birth date: not set\n")
	}
	if p.Height != nil {
		fmt.Fprintf(&b, "- height: %.1f cm\n", *p.Height)
	} else {
		b.WriteString("- height: not set\n")
	}
	if p.Weight != nil {
		fmt.Fprintf(&b, "- weight: %.1f kg\n", *p.Weight)
	} else {
		b.WriteString("- weight: not set\n")
	}
	return b.String()
}
