package devlink

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// HelperVersion is the helper table version this runtime understands.
// A helper binary advertising any other version aborts process
// creation.
const HelperVersion = 4

// SymNameMax is the longest accepted library or symbol name. The NUL
// terminator is transferred in addition.
const SymNameMax = 255

// HelperTable is the packed record the helper binary deposits at its
// first block: the device-side entry points for the privileged
// operations. This is the only persistent wire contract with the
// helper.
type HelperTable struct {
	Version      uint64 `struc:"uint64,little"`
	LoadLibrary  uint64 `struc:"uint64,little"`
	AllocBuff    uint64 `struc:"uint64,little"`
	FreeBuff     uint64 `struc:"uint64,little"`
	FindSym      uint64 `struc:"uint64,little"`
	CreateThread uint64 `struc:"uint64,little"`
	CallFunc     uint64 `struc:"uint64,little"`
	Exit         uint64 `struc:"uint64,little"`
}

// HelperTableSize is the packed size of the helper table record.
const HelperTableSize = 8 * 8

// ReadHelperTable fetches and decodes the helper table at addr.
func ReadHelperTable(link Link, addr Addr) (*HelperTable, error) {
	raw := make([]byte, HelperTableSize)
	if err := link.ReadMem(raw, addr); err != nil {
		return nil, errors.Wrap(err, "reading helper table")
	}
	var table HelperTable
	if err := struc.Unpack(bytes.NewReader(raw), &table); err != nil {
		return nil, errors.Wrap(err, "decoding helper table")
	}
	return &table, nil
}

// PackHelperTable encodes the table into its wire form.
func PackHelperTable(table *HelperTable) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, table); err != nil {
		return nil, errors.Wrap(err, "encoding helper table")
	}
	return buf.Bytes(), nil
}
