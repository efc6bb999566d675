package statemachine

import "github.com/Konstantin-Sh/passvault/pkg/raft"

// Apply advances data by exactly one committed entry and reports what
// happened. It mutates data in place and returns the same pointer's
// result; it never reads the clock, consults randomness, or looks at
// anything outside its two arguments, so replaying the same sequence
// of commands against a fresh Data always reaches the same state.
func Apply(data *Data, id raft.LogId, cmd Command) ApplyResult {
	data.LastApplied = id

	if cmd.Kind == CommandRegister {
		return applyRegister(data, cmd)
	}

	key := cmd.UserId.Key()
	entry, registered := data.Auth[key]
	if !registered {
		return ApplyResult{Kind: ResultNotRegistered}
	}
	if entry.Nonce != cmd.ExpectNonce {
		return ApplyResult{Kind: ResultNonceRace}
	}

	var result ApplyResult

	switch cmd.Kind {
	case CommandSetOne:
		result = applySetOne(data, key, cmd.Record)
	case CommandSetMany:
		result = applySetMany(data, key, cmd.Records)
	case CommandDeleteById:
		result = applyDeleteById(data, key, cmd.RecordId)
	case CommandDeleteAll:
		result = applyDeleteAll(data, key)
	default:
		result = ApplyResult{Kind: ResultNotFound}
	}

	if result.Kind == ResultOk {
		entry.Nonce = cmd.NewNonce
		data.Auth[key] = entry
	}

	return result
}

func applyRegister(data *Data, cmd Command) ApplyResult {
	key := cmd.UserId.Key()

	if _, exists := data.Auth[key]; exists {
		return ApplyResult{Kind: ResultAlreadyRegistered}
	}

	data.Auth[key] = AuthEntry{PubKey: cmd.PubKey, Nonce: cmd.NewNonce}
	data.Records[key] = make(map[uint64]Record)

	return ApplyResult{Kind: ResultOk}
}

// checkVersion enforces optimistic concurrency: a write is rejected
// only when its Ver is strictly less than the stored record's Ver.
// Any other write, including one at an equal Ver, is accepted and its
// Ver is stored exactly as given — there is no server-assigned
// increment.
func checkVersion(records map[uint64]Record, record Record) (Record, bool) {
	existing, found := records[record.Id]
	if !found {
		return record, true
	}

	if record.Ver < existing.Ver {
		return existing, false
	}

	return record, true
}

func applySetOne(data *Data, key string, record Record) ApplyResult {
	records := data.Records[key]

	stored, ok := checkVersion(records, record)
	if !ok {
		return ApplyResult{Kind: ResultVersionConflict, Record: stored}
	}

	records[record.Id] = stored
	return ApplyResult{Kind: ResultOk, Record: stored}
}

// applySetMany applies every record in the batch or none of them: the
// first version conflict aborts the whole command so a partial write
// never becomes visible.
func applySetMany(data *Data, key string, batch []Record) ApplyResult {
	records := data.Records[key]

	staged := make([]Record, len(batch))
	for i, record := range batch {
		stored, ok := checkVersion(records, record)
		if !ok {
			return ApplyResult{Kind: ResultVersionConflict, Record: stored}
		}
		staged[i] = stored
	}

	for _, record := range staged {
		records[record.Id] = record
	}

	return ApplyResult{Kind: ResultOk, Records: staged}
}

func applyDeleteById(data *Data, key string, id uint64) ApplyResult {
	records := data.Records[key]

	if _, found := records[id]; !found {
		return ApplyResult{Kind: ResultNotFound}
	}

	delete(records, id)
	return ApplyResult{Kind: ResultOk}
}

func applyDeleteAll(data *Data, key string) ApplyResult {
	data.Records[key] = make(map[uint64]Record)
	return ApplyResult{Kind: ResultOk}
}
