package vecdb

import "context"

// Close stops background work, persists tombstones and closes every WAL.
//
// Growing segments are not sealed; their rows are replayed from the WAL on
// the next Open. Index builds still running are abandoned and redone then.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return translateError("close", "", 0, db.engine.Close(context.Background()))
}
