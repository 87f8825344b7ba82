//go:build linux

package killswitch

import (
	"errors"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/yllada/vpnctl/common"
)

type mockConn struct {
	mock.Mock
	rules []*nftables.Rule
}

func (m *mockConn) AddTable(t *nftables.Table) *nftables.Table {
	m.Called(t)
	return t
}

func (m *mockConn) DelTable(t *nftables.Table) {
	m.Called(t)
}

func (m *mockConn) ListTables() ([]*nftables.Table, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*nftables.Table), args.Error(1)
}

func (m *mockConn) AddChain(c *nftables.Chain) *nftables.Chain {
	m.Called(c)
	return c
}

func (m *mockConn) AddRule(r *nftables.Rule) *nftables.Rule {
	m.rules = append(m.rules, r)
	return r
}

func (m *mockConn) Flush() error {
	return m.Called().Error(0)
}

func ourTable() *nftables.Table {
	return &nftables.Table{Name: tableName, Family: nftables.TableFamilyINet}
}

func TestNFTablesEngage(t *testing.T) {
	conn := &mockConn{}
	conn.On("ListTables").Return([]*nftables.Table{}, nil)
	conn.On("AddTable", mock.Anything).Return()
	conn.On("AddChain", mock.MatchedBy(func(c *nftables.Chain) bool {
		return c.Name == chainName && c.Policy != nil && *c.Policy == nftables.ChainPolicyDrop
	})).Return()
	conn.On("Flush").Return(nil)

	remote, _ := ParseAddressMasks([]string{"203.0.113.10", "2001:db8::/32"})
	local, _ := ParseAddressMasks([]string{"192.168.1.0/24"})

	e := NewNFTablesEngine(conn)
	code := e.Engage(EngageParams{Remote: remote, Local: local, AdapterIndex: 4, AdapterName: "tun0"})
	require.Equal(t, 0, code)

	// loopback, adapter name, adapter index, two remote, one local
	require.Len(t, conn.rules, 6)
	conn.AssertNotCalled(t, "DelTable", mock.Anything)
	conn.AssertExpectations(t)

	byName, ok := conn.rules[1].Exprs[0].(*expr.Meta)
	require.True(t, ok)
	assert.Equal(t, expr.MetaKeyOIFNAME, byName.Key)
	oif, ok := conn.rules[2].Exprs[0].(*expr.Meta)
	require.True(t, ok)
	assert.Equal(t, expr.MetaKeyOIF, oif.Key)

	v6 := conn.rules[4].Exprs
	payload, ok := v6[2].(*expr.Payload)
	require.True(t, ok)
	assert.Equal(t, uint32(24), payload.Offset)
	assert.Equal(t, uint32(16), payload.Len)
}

func TestNFTablesEngageUnknownAdapterMatchesName(t *testing.T) {
	rules := ruleExprs(EngageParams{AdapterIndex: common.UnknownAdapterIndex, AdapterName: "tun0"})
	require.Len(t, rules, 2)

	meta, ok := rules[1][0].(*expr.Meta)
	require.True(t, ok)
	assert.Equal(t, expr.MetaKeyOIFNAME, meta.Key)
	cmp, ok := rules[1][1].(*expr.Cmp)
	require.True(t, ok)
	assert.Equal(t, ifname("tun0"), cmp.Data)
}

func TestNFTablesAdapterRules(t *testing.T) {
	tests := []struct {
		name     string
		params   EngageParams
		wantKeys []expr.MetaKey
	}{
		{"index and name", EngageParams{AdapterIndex: 7, AdapterName: "tun0"}, []expr.MetaKey{expr.MetaKeyOIFNAME, expr.MetaKeyOIF}},
		{"name only", EngageParams{AdapterIndex: common.UnknownAdapterIndex, AdapterName: "tun0"}, []expr.MetaKey{expr.MetaKeyOIFNAME}},
		{"index only", EngageParams{AdapterIndex: 7}, []expr.MetaKey{expr.MetaKeyOIF}},
		{"neither", EngageParams{AdapterIndex: common.UnknownAdapterIndex}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := ruleExprs(tt.params)
			require.Len(t, rules, 1+len(tt.wantKeys))
			for i, key := range tt.wantKeys {
				meta, ok := rules[1+i][0].(*expr.Meta)
				require.True(t, ok)
				assert.Equal(t, key, meta.Key)
			}
		})
	}

	// A tun0 recreated with index 8 still matches the name rule.
	rules := ruleExprs(EngageParams{AdapterIndex: 7, AdapterName: "tun0"})
	cmp, ok := rules[1][1].(*expr.Cmp)
	require.True(t, ok)
	assert.Equal(t, ifname("tun0"), cmp.Data)
}

func TestNFTablesEngageReplacesExisting(t *testing.T) {
	conn := &mockConn{}
	conn.On("ListTables").Return([]*nftables.Table{ourTable()}, nil)
	conn.On("DelTable", mock.Anything).Return().Once()
	conn.On("AddTable", mock.Anything).Return()
	conn.On("AddChain", mock.Anything).Return()
	conn.On("Flush").Return(nil)

	assert.Equal(t, 0, NewNFTablesEngine(conn).Engage(EngageParams{AdapterIndex: common.UnknownAdapterIndex}))
	conn.AssertExpectations(t)
}

func TestNFTablesEngageFlushError(t *testing.T) {
	conn := &mockConn{}
	conn.On("ListTables").Return([]*nftables.Table{}, nil)
	conn.On("AddTable", mock.Anything).Return()
	conn.On("AddChain", mock.Anything).Return()
	conn.On("Flush").Return(unix.EPERM)

	assert.Equal(t, int(unix.EPERM), NewNFTablesEngine(conn).Engage(EngageParams{}))
}

func TestNFTablesDisengage(t *testing.T) {
	t.Run("not engaged", func(t *testing.T) {
		conn := &mockConn{}
		conn.On("ListTables").Return([]*nftables.Table{}, nil)

		e := NewNFTablesEngine(conn)
		assert.Equal(t, 0, e.Disengage())
		assert.False(t, e.IsEngaged())
		conn.AssertNotCalled(t, "Flush")
	})

	t.Run("engaged", func(t *testing.T) {
		conn := &mockConn{}
		conn.On("ListTables").Return([]*nftables.Table{ourTable()}, nil)
		conn.On("DelTable", mock.Anything).Return()
		conn.On("Flush").Return(nil)

		e := NewNFTablesEngine(conn)
		assert.True(t, e.IsEngaged())
		assert.Equal(t, 0, e.Disengage())
		conn.AssertExpectations(t)
	})

	t.Run("list error", func(t *testing.T) {
		conn := &mockConn{}
		conn.On("ListTables").Return(nil, errors.New("netlink down"))

		assert.Equal(t, int(unix.EIO), NewNFTablesEngine(conn).Disengage())
	})
}
