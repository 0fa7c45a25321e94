package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/rcvbuf/internal/demux"
	"github.com/zsiec/rcvbuf/internal/server"
)

const (
	barWidth   = 30
	maxStreams = 10
)

type snapshot struct {
	buffer    server.BufferResponse
	streams   demux.Snapshot
	fetchedAt time.Time
}

type tickMsg time.Time

type statsMsg struct {
	snap snapshot
	err  error
}

type model struct {
	client   *apiClient
	interval time.Duration

	last     snapshot
	prev     snapshot
	err      error
	width    int
	quitting bool
}

func newModel(client *apiClient, interval time.Duration) *model {
	return &model{client: client, interval: interval}
}

func (m *model) Init() tea.Cmd {
	return fetch(m.client, m.interval)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.client, m.interval)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, fetch(m.client, m.interval)

	case statsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.prev = m.last
			m.last = msg.snap
		}
		return m, tick(m.interval)
	}
	return m, nil
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetch(c *apiClient, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		buf, err := c.buffer(ctx)
		if err != nil {
			return statsMsg{err: err}
		}
		// The demux endpoint is optional
		streams, _ := c.streams(ctx)

		return statsMsg{snap: snapshot{buffer: buf, streams: streams, fetchedAt: time.Now()}}
	}
}

func (m *model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("rcvbuf-top  " + m.client.baseURL))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}

	if m.last.fetchedAt.IsZero() {
		b.WriteString(helpStyle.Render("waiting for data..."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.bufferPanel(), m.receiverPanel()))
	b.WriteString("\n")
	b.WriteString(m.streamsPanel())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q quit  r refresh"))
	b.WriteString("\n")
	return b.String()
}

func (m *model) bufferPanel() string {
	s := m.last.buffer.Buffer
	occ := m.last.buffer.Occupancy

	lines := []string{
		titleStyle.Render("Buffer " + s.Name),
		row("occupancy", occupancyBar(occ)+fmt.Sprintf(" %5.1f%%", occ*100)),
		row("bytes", fmt.Sprintf("%s / %s", formatBytes(uint64(s.Bytes)), formatBytes(uint64(s.Capacity)))),
		row("packets", fmt.Sprintf("%d", s.Packets)),
		row("added", fmt.Sprintf("%d (%.0f/s)", s.Added, m.rate(func(p snapshot) uint64 { return p.buffer.Buffer.Added }))),
		row("evicted", fmt.Sprintf("%d (%.0f/s)", s.Evicted, m.rate(func(p snapshot) uint64 { return p.buffer.Buffer.Evicted }))),
		row("evicted bytes", formatBytes(s.EvictedBytes)),
		row("removed", fmt.Sprintf("%d", s.Removed)),
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m *model) receiverPanel() string {
	r := m.last.buffer.Receiver
	if r == nil {
		return panelStyle.Render(titleStyle.Render("Receiver") + "\n" + helpStyle.Render("not reported"))
	}

	state := lipgloss.NewStyle().Foreground(success).Render("running")
	if !r.Running {
		state = errorStyle.Render("stopped")
	}

	lines := []string{
		titleStyle.Render("Receiver " + r.LocalAddr),
		row("state", state),
		row("packets", fmt.Sprintf("%d (%.0f/s)", r.Packets, m.rate(func(p snapshot) uint64 {
			if p.buffer.Receiver == nil {
				return 0
			}
			return p.buffer.Receiver.Packets
		}))),
		row("bytes", formatBytes(r.Bytes)),
		row("batch size", fmt.Sprintf("%d", r.BatchSize)),
		row("read errors", fmt.Sprintf("%d", r.ReadErrors)),
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m *model) streamsPanel() string {
	snap := m.last.streams
	title := titleStyle.Render(fmt.Sprintf("Streams  rtp %d  rtcp %d  unknown %d  malformed %d",
		snap.RTPPackets, snap.RTCPPackets, snap.UnknownPackets, snap.MalformedPackets))

	if len(snap.Streams) == 0 {
		return panelStyle.Render(title + "\n" + helpStyle.Render("no active streams"))
	}

	streams := append([]demux.StreamStats(nil), snap.Streams...)
	sort.Slice(streams, func(i, j int) bool { return streams[i].Packets > streams[j].Packets })
	if len(streams) > maxStreams {
		streams = streams[:maxStreams]
	}

	lines := []string{title, helpStyle.Render(fmt.Sprintf("%-10s %4s %10s %8s %6s %-21s", "SSRC", "PT", "PACKETS", "LOST", "GAPS", "SOURCE"))}
	for _, st := range streams {
		lines = append(lines, fmt.Sprintf("%08x %4d %10d %8d %6d %-21s",
			st.SSRC, st.PayloadType, st.Packets, st.PacketsLost, st.SequenceGaps, st.Source))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

// rate is the per-second change of a counter between the last two snapshots.
func (m *model) rate(counter func(snapshot) uint64) float64 {
	if m.prev.fetchedAt.IsZero() {
		return 0
	}
	elapsed := m.last.fetchedAt.Sub(m.prev.fetchedAt).Seconds()
	cur, old := counter(m.last), counter(m.prev)
	if elapsed <= 0 || cur < old {
		return 0
	}
	return float64(cur-old) / elapsed
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func occupancyBar(ratio float64) string {
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio * barWidth)
	return lipgloss.NewStyle().Foreground(occupancyColor(ratio)).Render(strings.Repeat("█", filled)) +
		helpStyle.Render(strings.Repeat("░", barWidth-filled))
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
