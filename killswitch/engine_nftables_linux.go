//go:build linux

package killswitch

import (
	"errors"
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/yllada/vpnctl/common"
)

const (
	tableName = "vpnctl_killswitch"
	chainName = "output"
)

// NFTablesConn abstracts the nftables.Conn operations the engine uses.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	ListTables() ([]*nftables.Table, error)
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	Flush() error
}

// NFTablesEngine implements Engine with an inet table whose output chain
// drops everything not explicitly accepted.
type NFTablesEngine struct {
	conn NFTablesConn
}

// NewNFTablesEngine creates an engine over conn.
func NewNFTablesEngine(conn NFTablesConn) *NFTablesEngine {
	return &NFTablesEngine{conn: conn}
}

// NewDefaultEngine opens a netlink connection to nftables.
func NewDefaultEngine() (Engine, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("open nftables: %w", err)
	}
	return NewNFTablesEngine(conn), nil
}

func (e *NFTablesEngine) table() *nftables.Table {
	return &nftables.Table{Name: tableName, Family: nftables.TableFamilyINet}
}

func (e *NFTablesEngine) findTable() (*nftables.Table, error) {
	tables, err := e.conn.ListTables()
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if t.Name == tableName && t.Family == nftables.TableFamilyINet {
			return t, nil
		}
	}
	return nil, nil
}

// Engage implements Engine. Re-engaging replaces the previous rule set.
func (e *NFTablesEngine) Engage(p EngageParams) int {
	existing, err := e.findTable()
	if err != nil {
		return resultCode(err)
	}
	if existing != nil {
		e.conn.DelTable(existing)
	}

	table := e.conn.AddTable(e.table())
	policy := nftables.ChainPolicyDrop
	chain := e.conn.AddChain(&nftables.Chain{
		Name:     chainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})

	for _, exprs := range ruleExprs(p) {
		e.conn.AddRule(&nftables.Rule{
			Table:    table,
			Chain:    chain,
			Exprs:    exprs,
			UserData: []byte(p.DisplayName),
		})
	}

	if err := e.conn.Flush(); err != nil {
		return resultCode(err)
	}
	common.Named("nftables").Debugf("Lockdown applied for %s (tunnel binary %s)", p.DisplayName, p.TunnelBinary)
	return 0
}

// Disengage implements Engine. A missing table is success.
func (e *NFTablesEngine) Disengage() int {
	existing, err := e.findTable()
	if err != nil {
		return resultCode(err)
	}
	if existing == nil {
		return 0
	}
	e.conn.DelTable(existing)
	return resultCode(e.conn.Flush())
}

// IsEngaged implements Engine.
func (e *NFTablesEngine) IsEngaged() bool {
	t, err := e.findTable()
	return err == nil && t != nil
}

// ruleExprs builds one accept rule per permitted path out of the host.
func ruleExprs(p EngageParams) [][]expr.Any {
	rules := [][]expr.Any{
		append(matchOIFName("lo"), accept()),
	}

	// The name rule also covers an adapter recreated after engagement with
	// a new index.
	if p.AdapterName != "" {
		rules = append(rules, append(matchOIFName(p.AdapterName), accept()))
	}
	if p.AdapterIndex != common.UnknownAdapterIndex {
		rules = append(rules, []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIF, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(p.AdapterIndex)},
			accept(),
		})
	}

	for _, m := range append(append([]AddressMask(nil), p.Remote...), p.Local...) {
		rules = append(rules, append(matchDaddr(m), accept()))
	}
	return rules
}

func accept() expr.Any {
	return &expr.Verdict{Kind: expr.VerdictAccept}
}

func matchOIFName(name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(name)},
	}
}

// matchDaddr matches the destination address against m, restricted to the
// right address family of the inet table.
func matchDaddr(m AddressMask) []expr.Any {
	proto, offset, length := byte(unix.NFPROTO_IPV4), uint32(16), uint32(4)
	if !m.IsV4() {
		proto, offset, length = byte(unix.NFPROTO_IPV6), 24, 16
	}
	xor := make([]byte, length)
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            length,
			Mask:           []byte(m.Mask),
			Xor:            xor,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte(m.Network())},
	}
}

// ifname returns the NUL padded interface name nftables compares against.
func ifname(n string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, n)
	return b
}

// resultCode maps an nftables error to the engine result code.
func resultCode(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EIO)
}
