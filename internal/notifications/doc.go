// Package notifications sends operational alerts through ntfy. With no topic
// configured every notification is a no-op.
package notifications
