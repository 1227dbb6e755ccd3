// Package avenueguard implements a single-guild Discord community bot.
//
// The bot counts member chat activity per week, and every Sunday offers
// the most active members a weekly level request slot over DM. Offers are
// tracked as claims with an explicit lifecycle (pending, claimed, declined,
// timed out, DM closed), and unanswered or declined offers cascade down the
// leaderboard to the next eligible member.
//
// Supporting features include sticky channel messages, trigger responses,
// lightweight moderation helpers, daily guild statistics, and a small set
// of slash commands.
package avenueguard
