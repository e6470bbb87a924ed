/*
Package storage provides the bank/key cache used by brine masters.

A bank is a named group of keys, mapped to one BoltDB bucket by BoltStore
and to one map by MemoryStore. Masters keep the set of connected minions in
BankConnected, which is what max_minions is checked against, and persist the
sealed transport CA in BankPKI.

	cache, err := storage.NewBoltStore(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer cache.Close()

	_ = cache.Store(storage.BankConnected, "web01", nil)
	ids, _ := cache.List(storage.BankConnected)

Fetch reports a missing key with ErrNotFound, and Flush with an empty key
drops the whole bank.
*/
package storage
