package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
)

func TestReplayBruteForceInEventTime(t *testing.T) {
	var in strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&in, `{"source_kind":"auth","user":"alice","source_ip":"10.0.0.1","success":false,"timestamp":"2026-03-01T12:00:%02dZ"}`+"\n", i*2)
	}
	in.WriteString("not json\n")
	in.WriteString(`{"source_kind":"dns","user":"alice"}` + "\n")
	in.WriteString(`{"user":"alice","source_ip":"10.0.0.1","success":true,"timestamp":"2026-03-01T12:00:11Z"}` + "\n")

	cfg := config.DefaultConfig()
	cfg.LogLevel = "error"
	var out bytes.Buffer
	summary, err := replay(context.Background(), cfg, "auth", strings.NewReader(in.String()), &out)
	require.NoError(t, err)

	assert.Equal(t, 8, summary.Lines)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 2, summary.Incidents)
	assert.EqualValues(t, 6, summary.Engine.EventsProcessed)

	var got []model.SecurityIncident
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var inc model.SecurityIncident
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &inc))
		got = append(got, inc)
	}
	require.Len(t, got, 2)
	assert.Equal(t, model.SeverityHigh, got[0].Severity)
	assert.Equal(t, model.SeverityCritical, got[1].Severity)
	assert.Len(t, got[1].Events, 6)
	assert.Equal(t, "2026-03-01T12:00:11Z", got[1].CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
}

func TestValidateConfigCommand(t *testing.T) {
	path := t.TempDir() + "/corrwatch.yaml"
	require.NoError(t, config.Save(path, config.DefaultConfig()))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate-config", "--config", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "config ok")

	root = newRootCmd()
	root.SetArgs([]string{"validate-config"})
	require.Error(t, root.Execute())
}
