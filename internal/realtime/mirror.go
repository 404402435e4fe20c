// Package realtime mirrors waiter calls into stores that dashboards and waiter
// apps listen to, so a new or changed call shows up without polling.
//
// Every backend uses the same layout:
//
//	waiter_calls/{callID}                          full call document
//	waiters/{waiterID}/active_calls/{callID}       summary, only while active
//	tables/{tableID}/active_calls/{callID}         summary, only while active
//	businesses/{businessID}/active_calls/{callID}  summary, only while active
package realtime

import (
	"strings"
	"time"

	"github.com/tinywideclouds/go-waitercall-service/internal/calls"
)

const (
	CallsRoot      = "waiter_calls"
	WaitersRoot    = "waiters"
	TablesRoot     = "tables"
	BusinessesRoot = "businesses"
	ActiveCalls    = "active_calls"
)

// Mirror is satisfied by every backend in this package.
type Mirror = calls.Mirror

// Document is the full call as listeners see it.
func Document(c calls.Call) map[string]interface{} {
	doc := map[string]interface{}{
		"id":           c.ID,
		"business_id":  c.BusinessID,
		"table_id":     c.TableID,
		"table_number": c.TableNumber,
		"waiter_id":    c.Waiter.String(),
		"note":         c.Note,
		"status":       string(c.Status),
		"created_at":   c.CreatedAt.UnixMilli(),
		"updated_at":   c.UpdatedAt.UnixMilli(),
	}
	putTime(doc, "acknowledged_at", c.AcknowledgedAt)
	putTime(doc, "completed_at", c.CompletedAt)
	putTime(doc, "cancelled_at", c.CancelledAt)
	return doc
}

// Summary is what the index entries hold.
func Summary(c calls.Call) map[string]interface{} {
	return map[string]interface{}{
		"call_id":      c.ID,
		"table_number": c.TableNumber,
		"status":       string(c.Status),
		"created_at":   c.CreatedAt.UnixMilli(),
	}
}

// IndexPaths returns the three index locations of a call.
func IndexPaths(c calls.Call) []string {
	return []string{
		join(WaitersRoot, Key(c.Waiter.String()), ActiveCalls, Key(c.ID)),
		join(TablesRoot, Key(c.TableID), ActiveCalls, Key(c.ID)),
		join(BusinessesRoot, Key(c.BusinessID), ActiveCalls, Key(c.ID)),
	}
}

// DocumentPath returns where the full document lives.
func DocumentPath(c calls.Call) string {
	return join(CallsRoot, Key(c.ID))
}

var keyReplacer = strings.NewReplacer(".", "_", "#", "_", "$", "_", "[", "_", "]", "_", "/", "_")

// Key makes s usable as a single path segment in both RTDB and Firestore.
func Key(s string) string {
	return keyReplacer.Replace(s)
}

func join(parts ...string) string {
	return strings.Join(parts, "/")
}

func putTime(doc map[string]interface{}, key string, t *time.Time) {
	if t != nil {
		doc[key] = t.UnixMilli()
	}
}
