package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLine(t *testing.T) {
	assert.Equal(t,
		"[local] 12.5 percent of carts contain Anvil",
		Line("local", "12.5 percent of carts contain Anvil", nil),
	)
	assert.Equal(t,
		"[distributed] failed: store is down",
		Line("distributed", "ignored", errors.New("store is down")),
	)
}

func TestPrinterWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Print("local", "12.5 percent of carts contain Anvil", nil)
	p.Print("distributed", "", errors.New("timed out"))

	// a buffer is not a terminal, so nothing is styled
	assert.Equal(t,
		Line("local", "12.5 percent of carts contain Anvil", nil)+"\n"+
			Line("distributed", "", errors.New("timed out"))+"\n",
		buf.String(),
	)
	assert.Equal(t, 1, p.Failed())
}
