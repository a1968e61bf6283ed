package quantum

import "fmt"

// Selection is the backend a job will run on.
type Selection struct {
	Backend Backend
	// NoBackend is set when the simulator was used because no real device fit.
	NoBackend bool
	Reason    string
}

// SelectBackend picks where a job with the given qubit count runs.
//
// A named backend from the catalog is used when it has enough qubits; with too
// few qubits, or with no name, the least busy eligible device is chosen. A
// name missing from the catalog, or no eligible device at all, falls back to
// the simulator and sets NoBackend.
func SelectBackend(catalog []Backend, selected string, qubits int, simulator string) Selection {
	if selected != "" {
		b, ok := findBackend(catalog, selected)
		if !ok {
			return Fallback(catalog, simulator, fmt.Sprintf("backend %q not available for this account", selected))
		}
		if b.NumQubits >= qubits {
			return Selection{Backend: b, Reason: "selected"}
		}
	}
	if b, ok := LeastBusy(catalog, qubits); ok {
		return Selection{Backend: b, Reason: "least_busy"}
	}
	return Fallback(catalog, simulator, fmt.Sprintf("no operational device with at least %d qubits", qubits))
}

// LeastBusy returns the operational non-simulator backend with at least qubits
// qubits and the fewest pending jobs. Ties keep catalog order.
func LeastBusy(catalog []Backend, qubits int) (Backend, bool) {
	var best Backend
	found := false
	for _, b := range catalog {
		if b.Simulator || !b.Operational || b.NumQubits < qubits {
			continue
		}
		if !found || b.PendingJobs < best.PendingJobs {
			best = b
			found = true
		}
	}
	return best, found
}

// Fallback selects the simulator. It is looked up in the catalog when present.
func Fallback(catalog []Backend, simulator, reason string) Selection {
	b, ok := findBackend(catalog, simulator)
	if !ok {
		b = Backend{Name: simulator, Simulator: true, Operational: true}
	}
	return Selection{Backend: b, NoBackend: true, Reason: reason}
}

func findBackend(catalog []Backend, name string) (Backend, bool) {
	for _, b := range catalog {
		if b.Name == name {
			return b, true
		}
	}
	return Backend{}, false
}
