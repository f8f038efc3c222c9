/*
Package health monitors the reachability of open storage directories.

Each SD gets a probe (write, read back, remove a file at the SD root)
run on an interval; consecutive failures past the retry threshold mark
the SD unhealthy and fire the monitor's callback, which the router
uses to detach the SD until the next startup. Cloud-storage mounts
vanish and turn read-only without warning, and a wedged SD must not
keep accepting writes that will never land.
*/
package health
