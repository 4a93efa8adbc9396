// Package tui renders a live buffer-pool statistics dashboard in the
// terminal. It polls a stats source on a fixed tick and redraws one row
// per bucket, so an operator can watch hit ratios and eviction pressure
// while a server is under load.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/andrei-cloud/duplextls/pkg/bufpool"
)

const pollInterval = time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// StatsSource supplies the dashboard with fresh pool statistics on every
// poll tick.
type StatsSource func() bufpool.PoolStats

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type dashboardModel struct {
	source StatsSource
	stats  bufpool.PoolStats
	ticks  int
}

func newDashboardModel(source StatsSource) dashboardModel {
	return dashboardModel{source: source, stats: source()}
}

func (m dashboardModel) Init() tea.Cmd {
	return tick()
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.stats = m.source()
		m.ticks++

		return m, tick()
	}

	return m, nil
}

func (m dashboardModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("duplextls buffer pool"))
	b.WriteString("\n\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf(
		"%-14s %8s %6s %9s %9s %9s %9s %7s %7s %7s",
		"domain", "cap", "idle", "acquires", "hits", "releases", "nonpool", "evicts", "removes", "hit%",
	)))
	b.WriteString("\n")

	buckets := append([]bufpool.BucketStats(nil), m.stats.Buckets...)
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Domain != buckets[j].Domain {
			return buckets[i].Domain < buckets[j].Domain
		}

		return buckets[i].Capacity < buckets[j].Capacity
	})

	for _, bs := range buckets {
		b.WriteString(fmt.Sprintf(
			"%-14s %8d %6d %9d %9d %9d %9d %7d %7d %6.1f%%\n",
			bs.Domain, bs.Capacity, bs.Idle, bs.Acquires, bs.PooledHits,
			bs.Releases, bs.NonPooled, bs.Evicts, bs.Removes, bs.HitRatio*100,
		))
	}

	if len(buckets) == 0 {
		b.WriteString(dimStyle.Render("no buckets populated yet"))
		b.WriteString("\n")
	}

	if len(m.stats.NoBucketAcquires) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("out-of-range acquires"))
		b.WriteString("\n")
		sizes := make([]int, 0, len(m.stats.NoBucketAcquires))
		for size := range m.stats.NoBucketAcquires {
			sizes = append(sizes, size)
		}
		sort.Ints(sizes)
		for _, size := range sizes {
			b.WriteString(fmt.Sprintf("%8d bytes: %d\n", size, m.stats.NoBucketAcquires[size]))
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q to quit"))
	b.WriteString("\n")

	return b.String()
}

// Run starts the dashboard and blocks until the user quits.
func Run(source StatsSource) error {
	p := tea.NewProgram(newDashboardModel(source))
	_, err := p.Run()

	return err
}
