// Package frogbot implements a Discord bot for tabletop roleplaying
// servers.
//
// FrogBot manages two pieces of per-guild state:
//
//   - DM categories: a private channel category per dungeon master, with
//     per-channel access tiers (admin, read-write, read-only, hidden) for
//     roles and members. Stored tiers are reconciled with the live Discord
//     permission overwrites whenever the category changes or is synced.
//   - Sheet approvals: character sheets posted to a configured channel are
//     approved by reacting with ✅. Once enough distinct approvers (not the
//     sheet's owner) have reacted, the owner is promoted to the approved
//     role and the sheet is announced.
//
// Key components:
//
//   - FrogBot: owns configuration, the database, and the Discord session,
//     and runs the command and event handlers.
//   - CategoryManager and SheetApprovals: the two engines, persisted with
//     gorm and guarded by per-key locks.
//   - Platform: the Discord directory and mutation calls the engines use,
//     backed by discordgo in production.
//   - API: an admin HTTP API for runtime configuration and inspection.
//
// Slash commands:
//
//   - /dm: set up, inspect, sync and delete a DM category, manage its
//     channels and their permissions.
//   - /sheet: submit, approve, revoke and list sheets, and configure
//     sheet approval for the guild.
package frogbot
