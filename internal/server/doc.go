// Package server hosts the Fiber gateway that sits in front of the origin.
// Every request outside the /-/ control prefix becomes a fetch event handed to
// the worker; requests the worker does not intercept are forwarded to the
// origin unmodified. Control routes are registered by the routes package.
package server
