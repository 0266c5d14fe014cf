// Package mongo provides the MongoDB-backed session repository. Build the
// low-level client via New and pass it to the manager package so services
// can persist multi-agent session state outside the agent runtime.
package mongo
