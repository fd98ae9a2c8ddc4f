// Package crowd defines the domain model shared by the crowdedness subsystem:
// place keys, busyness records, extraction outcomes, merged city results, and
// the interfaces the pipeline uses to talk to its collaborators.
package crowd
