/*
Package balancer runs one placement pass over a list of
RunServiceRequests against the set of registered NodeHandlers.

# Pipeline

For each request, unless its BalancingPolicy pins it to its current
node:

 1. static filter — runtime, labels, resources, devices
 2. active filter — node state is online or provisioned
 3. capacity filter — available CPU/RAM covers the request
 4. top-priority filter — keep only the highest-priority survivors
 5. select — lowest node identifier wins ties
 6. reserve — InstanceTracker.SetupInstance claims headroom and
    provisions storage

A request whose state/storage quota exceeds the total partition
capacity declared across every registered node fails immediately,
before the per-node pipeline runs.

# Dispatch

After every request in the pass has been placed or failed, Place
prepares network parameters for instances that gained one (at most once
per instance, via NetworkManager), then returns a NodeBatch for every
registered node that has either a non-empty bundle or instances to
stop. Place never contacts a node runtime itself: the caller (the
launcher) runs NodeHandler.StartInstances against each batch at
whatever concurrency it chooses. forceRestart is set for a node when
any of its instances received new network parameters this pass.
*/
package balancer
