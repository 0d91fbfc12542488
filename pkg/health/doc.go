/*
Package health classifies torrent swarms from tracker scrape aggregates.

Evaluate is a pure function from aggregate counts to boolean
classifications (dead, weak, healthy, complete) and a bounded 0-100
score. Callers decide what to do with a dead or weak swarm; this package
only measures.
*/
package health
