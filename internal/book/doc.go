// Package book defines the core types shared across subsystems: jobs and their
// parameters, the descriptor of a remote book, chapter content, the collaborator
// interfaces consumed by the engine, and the error taxonomy.
package book
