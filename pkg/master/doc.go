/*
Package master holds the key material of a master: its RSA identity, the
symmetric session key set handed to authenticated minions, and the minion
public keys it has seen.

# Session keys

Secrets keeps the current key, the previous key and a rotation epoch.
Rotation moves current to previous; requests encrypted under the previous
key still decode until previous_key_grace has elapsed.

Rotation is triggered by Maintenance, either on a schedule (publish_session)
or by a dropfile:

	{cachedir}/.dfn    mode 0400, content = master id

The file is removed after the rotation succeeds. A dropfile with any other
mode is logged and ignored.

# Clusters

Masters sharing a cluster_id converge on one key set through a
ClusterStore. SharedDirStore writes {cluster_pki_dir}/.aes; RaftStore
replicates the set through a Raft log. Every master presents the shared
cluster key, so a minion sees one identity for the whole cluster.

# Minion keys

Minion public keys live in one directory per status:

	minions/            accepted
	minions_pre/        pending
	minions_rejected/   rejected
	minions_denied/     presented with a key that differs from the stored one
*/
package master
