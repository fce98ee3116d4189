package main

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/pearlywhite/pkg/teleop"
)

func testMonitor(onKey func(string)) (monitorModel, *bool) {
	cancelled := false
	ctrl := teleop.NewController(nil, nil, 30)
	m := newMonitorModel("test", "help", ctrl, onKey, make(chan error, 1), make(chan string, 1), func() { cancelled = true })
	return m, &cancelled
}

func TestMonitor_ForwardsKeys(t *testing.T) {
	var keys []string
	m, cancelled := testMonitor(func(k string) { keys = append(keys, k) })

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("w")})
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyRight})
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, []string{"w", "right", "esc"}, keys)
	assert.False(t, *cancelled)

	next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, *cancelled)
	assert.True(t, next.(monitorModel).quitting)
	assert.Len(t, keys, 3)
}

func TestMonitor_TracksPosition(t *testing.T) {
	m, _ := testMonitor(nil)

	next, _ := m.Update(stateMsg(teleop.State{X: 10, Y: 200, Z: 190}))
	next, _ = next.Update(stateMsg(teleop.State{X: 11, Y: 200, Z: 190}))
	mm := next.(monitorModel)
	require.NotNil(t, mm.origin)
	assert.Equal(t, [3]float64{10, 200, 190}, *mm.origin)
	assert.Equal(t, [3]float64{11, 200, 190}, mm.last)
	assert.Contains(t, mm.View(), "x=11.0")

	next, _ = next.Update(stateMsg(teleop.State{Error: errors.New("link down")}))
	assert.Equal(t, []string{"link down"}, next.(monitorModel).logs)
}

func TestMonitor_NotesAndDone(t *testing.T) {
	m, _ := testMonitor(nil)

	next, _ := m.Update(noteMsg("Reset the environment"))
	assert.Contains(t, next.View(), "Reset the environment")

	for i := range maxLogs + 2 {
		next, _ = next.Update(logMsg(string(rune('a' + i))))
	}
	assert.Len(t, next.(monitorModel).logs, maxLogs)

	boom := errors.New("boom")
	next, cmd := next.Update(doneMsg{boom})
	require.NotNil(t, cmd)
	mm := next.(monitorModel)
	assert.True(t, mm.finished)
	assert.Equal(t, boom, mm.err)
}
