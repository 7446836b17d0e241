package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/arkfield/shuttle/internal/engine"
)

var (
	planTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"})
	planEntityStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"})
	planDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
	planDeferStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"})
)

var planCmd = &cobra.Command{
	Use:   "plan <schema.xml | archive.zip>",
	Short: "Show the write order an import of this schema would use",
	Long: `Plan computes the dependency tiers without connecting anywhere: which
entities are written in which wave, which reference fields are deferred to
a second pass, and which many-to-many relationships are replayed at the
end. Given an archive it also shows per-entity record counts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := engine.InspectPlan(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(planView(info))
			return nil
		}
		renderPlan(os.Stdout, info)
		return nil
	},
}

type planGroupView struct {
	Entities []string `json:"entities"`
	Cyclic   bool     `json:"cyclic,omitempty"`
}

type planTierView struct {
	Groups []planGroupView `json:"groups"`
}

type planResultView struct {
	Entities int                 `json:"entities"`
	Tiers    []planTierView      `json:"tiers"`
	Deferred map[string][]string `json:"deferred_fields,omitempty"`
	M2M      []string            `json:"many_to_many,omitempty"`
	Counts   map[string]int      `json:"record_counts,omitempty"`
}

func planView(info *engine.PlanInfo) planResultView {
	view := planResultView{
		Entities: info.Plan.EntityCount(),
		Deferred: info.Plan.DeferredFields,
		M2M:      info.Plan.M2M,
		Counts:   info.Counts,
	}
	for _, tier := range info.Plan.Tiers {
		tv := planTierView{}
		for _, g := range tier.Groups {
			tv.Groups = append(tv.Groups, planGroupView{Entities: g.Entities, Cyclic: g.Cyclic})
		}
		view.Tiers = append(view.Tiers, tv)
	}
	return view
}

type planLine struct {
	entity string
	cyclic bool
}

func renderPlan(w io.Writer, info *engine.PlanInfo) {
	p := info.Plan
	fmt.Fprintln(w, planTitleStyle.Render(fmt.Sprintf("Execution plan: %d entities in %d tiers", p.EntityCount(), len(p.Tiers))))

	for ti, tier := range p.Tiers {
		fmt.Fprintln(w, planTitleStyle.Render(fmt.Sprintf("Tier %d", ti+1)))
		var lines []planLine
		for _, g := range tier.Groups {
			for _, name := range g.Entities {
				lines = append(lines, planLine{entity: name, cyclic: g.Cyclic})
			}
		}
		for i, ln := range lines {
			conn := "├── "
			if i == len(lines)-1 {
				conn = "└── "
			}
			fmt.Fprintln(w, conn+formatPlanLine(info, ln))
		}
	}

	if len(p.M2M) > 0 {
		fmt.Fprintln(w, planTitleStyle.Render("Relationships"))
		for i, rel := range p.M2M {
			conn := "├── "
			if i == len(p.M2M)-1 {
				conn = "└── "
			}
			fmt.Fprintln(w, conn+planEntityStyle.Render(rel))
		}
	}
}

func formatPlanLine(info *engine.PlanInfo, ln planLine) string {
	s := planEntityStyle.Render(ln.entity)
	if count, ok := info.Counts[ln.entity]; ok {
		s += planDimStyle.Render(fmt.Sprintf("  %s records", humanize.Comma(int64(count))))
	}
	if deferred := info.Plan.DeferredFor(ln.entity); len(deferred) > 0 {
		s += planDeferStyle.Render("  defers " + strings.Join(deferred, ", "))
	}
	if ln.cyclic {
		s += planDeferStyle.Render("  (cycle)")
	}
	return s
}

func init() {
	rootCmd.AddCommand(planCmd)
}
