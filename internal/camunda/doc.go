// Package camunda is a client for the external-task endpoints of the Camunda 7
// REST API: fetch-and-lock long polling, completion, failure and BPMN error
// reporting, unlock and lock extension. It also implements the engine's typed
// variable wire format.
package camunda
