/*
Package relro loads one large shared library into many processes and shares its relocated
read-only segment (RELRO) between them.

# Underwater

 1. A producer process reserves an address range, loads the library there and copies the RELRO
    into a shared memory object sealed read-only. It then maps that object over its own RELRO.
 2. Consumer processes reserve the same address, load the library there and, once they receive the
    producer's [LibraryRecord], map the shared object over their own identical RELRO.
 3. The swap is all or nothing: any mismatch leaves the private RELRO in place and the library works
    as if nothing was shared.

# Strategies

  - [Blocking] parks the consumer load until the record arrives, for primitives which can not patch
    mappings while the library runs.
  - [NonBlocking] returns from the load at once and swaps the RELRO whenever the record arrives.

# Process roles

[Mediator] maps the process role (main, ancestor, child) to coordinator calls, and moves addresses
and records over a [Sender] and [Receiver] such as the ipc package.

[Loader] is the once per process entry point: configuration, plain fallback, initialization hooks.

# Samples

See the share command of cmd/relro and the tests.
*/
package relro
