// Package notifier delivers rating change messages to subscribed chats.
//
// Delivery is per chat and independent: one chat failing never stops the
// others. Failures are classified as transient (try again on the next change)
// or permanent (the chat is gone and its subscriptions should be dropped).
// Nothing is retried inside a single Notify call.
package notifier
