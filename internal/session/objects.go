package session

// PreparedStatement is a named, parsed statement produced by Parse.
// The empty name denotes the unnamed statement, which may be
// overwritten by a later Parse without an explicit Close.
type PreparedStatement struct {
	Name      string
	SQL       string
	ParamOIDs []int32
	// Token is opaque handler-owned state (e.g. a parsed AST or a
	// prepared query plan); the core never inspects it.
	Token interface{}
}

// Portal binds a statement to concrete parameter values and result
// format codes. It may be re-executed for partial retrieval until
// closed, its statement is closed, or a later Bind reuses its name.
type Portal struct {
	Name          string
	Statement     string
	ParamFormats  []int16
	Params        [][]byte
	ResultFormats []int16
	// Token is opaque handler-owned state, e.g. a cursor over pending rows.
	Token interface{}
}

// Statement looks up a prepared statement by name.
func (s *Session) Statement(name string) (*PreparedStatement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statements[name]
	return st, ok
}

// SetStatement registers a prepared statement, replacing any existing
// one under the same name.
func (s *Session) SetStatement(st *PreparedStatement) {
	s.mu.Lock()
	s.statements[st.Name] = st
	s.mu.Unlock()
}

// CloseStatement removes a prepared statement and every portal bound to
// it, per the data model's portal lifecycle.
func (s *Session) CloseStatement(name string) {
	s.mu.Lock()
	delete(s.statements, name)
	for pname, p := range s.portals {
		if p.Statement == name {
			delete(s.portals, pname)
		}
	}
	s.mu.Unlock()
}

// Portal looks up a portal by name.
func (s *Session) Portal(name string) (*Portal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.portals[name]
	return p, ok
}

// SetPortal registers a portal, silently replacing any existing portal
// of the same name — Bind's documented boundary behavior.
func (s *Session) SetPortal(p *Portal) {
	s.mu.Lock()
	s.portals[p.Name] = p
	s.mu.Unlock()
}

// ClosePortal removes a portal by name. Closing an absent portal is a
// no-op.
func (s *Session) ClosePortal(name string) {
	s.mu.Lock()
	delete(s.portals, name)
	s.mu.Unlock()
}
