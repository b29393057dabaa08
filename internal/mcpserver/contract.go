package mcpserver

// MemoryContract tells LLM clients how records are classified and scoped.
const MemoryContract = `# Mneme Memory Contract

Every memory is a short, self-contained statement with a type and a scope.

## Types

- **decision** - a choice that was made and why ("we use PostgreSQL for ACID compliance").
- **bugfix** - a defect, its cause and its fix.
- **architecture** - how components fit together.
- **preference** - a convention or taste of the team or user.
- **snippet** - a reusable piece of code or a command.
- **context** - background that does not fit another type.
- **document** - indexed from a file by sync; do not store these by hand.

## Scopes

- **project** - tied to the current project root. The default.
- **global** - shared across every project on this machine.
- **all** - read-only union of both, valid for search, stats and export.

## Rules

1. Store one fact per memory. Split lists into separate calls.
2. Identical content, source and scope is stored once; repeating a store is a no-op.
3. Keep content under the configured size limit (100000 bytes by default).
4. Use ` + "`rag_search`" + ` before ` + "`rag_store`" + ` to avoid near-duplicates.
5. Deleting by query is two-step: call ` + "`rag_forget`" + ` with a query to receive a
   token, then call it again with the same query and the token.
`
