package storage

// OldValue is what a key held before a transaction overwrote it.
type OldValue struct {
	Value  []byte
	Exists bool
}

// TxnExtra travels with a write and carries data the transaction layer
// already read, so observers of the write do not read it again.
type TxnExtra struct {
	// OldValues is keyed by string(codec.EncodeKey(key, startTs)).
	OldValues map[string]OldValue
}

func (e *TxnExtra) IsEmpty() bool {
	return e == nil || len(e.OldValues) == 0
}

func (e *TxnExtra) AddOldValue(encodedKey []byte, value OldValue) {
	if e.OldValues == nil {
		e.OldValues = make(map[string]OldValue)
	}
	e.OldValues[string(encodedKey)] = value
}
