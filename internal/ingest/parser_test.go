package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine(`2026-02-23 12:34:56 sshd user=alice src_ip=10.0.0.1 result=FAIL action="ssh login"`)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-23 12:34:56", fields["timestamp"])
	assert.Equal(t, "alice", fields["user"])
	assert.Equal(t, "10.0.0.1", fields["src_ip"])
	assert.Equal(t, "FAIL", fields["result"])
	assert.Equal(t, "ssh login", fields["action"])
}

func TestParseSyslogTimestamp(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("Mar  1 12:00:00 host identity=bob kind=access path=/srv/payments")
	require.NoError(t, err)
	assert.Equal(t, "Mar  1 12:00:00", fields["timestamp"])
	assert.Equal(t, "bob", fields["identity"])
	assert.Equal(t, "access", fields["kind"])
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	header, err := p.ParseLine("timestamp,user,src_ip,result")
	require.NoError(t, err)
	assert.Nil(t, header, "header lines produce no record")

	fields, err := p.ParseLine("2026-02-23T12:34:56Z,carol,10.0.0.9,denied")
	require.NoError(t, err)
	assert.Equal(t, "carol", fields["user"])
	assert.Equal(t, "10.0.0.9", fields["src_ip"])
	assert.Equal(t, "denied", fields["result"])
}

func TestParseCSVWithoutHeader(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("1772366400,dave,10.0.0.2,login,success")
	require.NoError(t, err)
	assert.Equal(t, "dave", fields["identity"])
	assert.Equal(t, "login", fields["action"])
	assert.Equal(t, "success", fields["result"])
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine(`{"timestamp":1772366400.5,"user":"erin","status":"denied","source_kind":"auth"}`)
	require.NoError(t, err)
	assert.Equal(t, "erin", fields["user"])
	assert.Equal(t, json.Number("1772366400.5"), fields["timestamp"])
	assert.Equal(t, "auth", fields["source_kind"])
}

func TestParseBlankLine(t *testing.T) {
	fields, err := NewParser().ParseLine("   ")
	require.NoError(t, err)
	assert.Nil(t, fields)
}
