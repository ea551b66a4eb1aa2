package storage

// Modify is a single change to the underlying storage, either a Put or a Delete.
type Modify struct {
	Data interface{}
}

type Put struct {
	Key   []byte
	Value []byte
	Cf    string
}

type Delete struct {
	Key []byte
	Cf  string
}

func NewPut(cf string, key, value []byte) Modify {
	return Modify{Put{Key: key, Value: value, Cf: cf}}
}

func NewDelete(cf string, key []byte) Modify {
	return Modify{Delete{Key: key, Cf: cf}}
}

func (m *Modify) Key() []byte {
	switch m.Data.(type) {
	case Put:
		return m.Data.(Put).Key
	case Delete:
		return m.Data.(Delete).Key
	}
	return nil
}

func (m *Modify) Value() []byte {
	if putData, ok := m.Data.(Put); ok {
		return putData.Value
	}
	return nil
}

func (m *Modify) Cf() string {
	switch m.Data.(type) {
	case Put:
		return m.Data.(Put).Cf
	case Delete:
		return m.Data.(Delete).Cf
	}
	return ""
}

func (m *Modify) IsDelete() bool {
	_, ok := m.Data.(Delete)
	return ok
}

// Size is the number of key and value bytes carried by the modification.
func (m *Modify) Size() int {
	return len(m.Key()) + len(m.Value())
}
